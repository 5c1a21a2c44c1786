package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chunkclaims.dev/internal/persistence/indexdb"
	"chunkclaims.dev/internal/persistence/snapshot"
)

func openIndex(dataDir, dbPath string) *indexdb.SQLiteIndex {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = filepath.Join(dataDir, "claims.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return idx
}

type ownerSummary struct {
	Owner      string         `json:"owner"`
	Username   string         `json:"username,omitempty"`
	Chunks     int            `json:"chunks"`
	Forceloads int            `json:"forceloads"`
	Dims       map[string]int `json:"dims,omitempty"`
	Bytes      int            `json:"bytes"`
}

func summarize(b snapshot.Blob, o snapshot.OwnerV1) ownerSummary {
	s := ownerSummary{Owner: b.Owner, Bytes: len(b.Data), Dims: map[string]int{}}
	if o.Properties != nil {
		s.Username = o.Properties.Username
	}
	for _, d := range o.Dims {
		for _, st := range d.States {
			s.Dims[d.Dim] += len(st.Chunks)
			s.Chunks += len(st.Chunks)
			if st.Forceload {
				s.Forceloads += len(st.Chunks)
			}
		}
	}
	return s
}

func ownersCmd(args []string) {
	fs := flag.NewFlagSet("owners", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	_ = fs.Parse(args)

	idx := openIndex(*dataDir, *dbPath)
	defer func() { _ = idx.Close() }()

	blobs, err := idx.LoadOwners(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, b := range blobs {
		o, err := snapshot.Decode(b.Data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", b.Owner, err)
			continue
		}
		printJSON(summarize(b, o))
	}
}

func ownerCmd(args []string) {
	fs := flag.NewFlagSet("owner", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin owner [flags] <owner-uuid>")
		os.Exit(2)
	}
	want := strings.ToLower(strings.TrimSpace(fs.Arg(0)))

	idx := openIndex(*dataDir, *dbPath)
	defer func() { _ = idx.Close() }()

	blobs, err := idx.LoadOwners(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, b := range blobs {
		if b.Owner != want {
			continue
		}
		o, err := snapshot.Decode(b.Data)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printJSON(o)
		return
	}
	fmt.Fprintln(os.Stderr, "owner not found:", want)
	os.Exit(1)
}
