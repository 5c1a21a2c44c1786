package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/persistence/snapshot"
	"chunkclaims.dev/internal/spreadout"
)

// rollbackCmd restores the ownership a rectangle had before since_tick by
// undoing audit entries newest first. The server must be stopped.
func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	dim := fs.String("dim", "", "dimension (required)")
	area := fs.String("area", "", "chunk rectangle x1,z1:x2,z2 (required)")
	sinceTick := fs.Uint64("since_tick", 0, "undo changes since tick (inclusive)")
	dryRun := fs.Bool("dry_run", false, "report without writing")
	_ = fs.Parse(args)

	if *dim == "" || *area == "" {
		fmt.Fprintln(os.Stderr, "missing -dim or -area")
		os.Exit(2)
	}
	r, err := parseRect(*dim, *area)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	recs, err := readAudit(filepath.Join(*dataDir, "audit"), *sinceTick, r)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}

	idx := openIndex(*dataDir, *dbPath)
	defer func() { _ = idx.Close() }()
	blobs, err := idx.LoadOwners(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	m := claims.NewManager(spreadout.Limits{})
	if _, _, err := snapshot.RestoreBlobs(m, blobs); err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}

	touched, applied, skipped := revert(m, recs)
	fmt.Printf("rollback: dim=%s area=%s since=%d entries=%d applied=%d skipped=%d owners=%d\n",
		*dim, *area, *sinceTick, len(recs), applied, skipped, len(touched))
	if *dryRun || len(touched) == 0 {
		return
	}

	out := make([]snapshot.Blob, 0, len(touched))
	for _, id := range touched {
		b, err := snapshot.CaptureBlob(m, id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		out = append(out, b)
	}
	if err := <-idx.SaveOwners(out); err != nil {
		fmt.Fprintln(os.Stderr, "save:", err)
		os.Exit(1)
	}
}

// revert undoes recs newest first and returns every owner whose claims
// changed. Entries naming an owner that is not a valid uuid are skipped.
func revert(m *claims.Manager, recs []auditRec) (touched []uuid.UUID, applied, skipped int) {
	sorted := append([]auditRec(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Entry.Tick != sorted[j].Entry.Tick {
			return sorted[i].Entry.Tick > sorted[j].Entry.Tick
		}
		return sorted[i].Seq > sorted[j].Seq
	})

	seen := map[uuid.UUID]bool{}
	mark := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}
	for _, rec := range sorted {
		e := rec.Entry
		if e.To != "" {
			to, err := uuid.Parse(e.To)
			if err != nil {
				skipped++
				continue
			}
			mark(to)
		}
		if e.From == "" {
			m.Unclaim(e.Dim, e.X, e.Z)
			applied++
			continue
		}
		from, err := uuid.Parse(e.From)
		if err != nil {
			skipped++
			continue
		}
		m.Claim(e.Dim, e.X, e.Z, from, e.FromSub, e.FromForceload)
		mark(from)
		applied++
	}
	return touched, applied, skipped
}
