package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"chunkclaims.dev/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "owners":
			ownersCmd(os.Args[2:])
			return
		case "owner":
			ownerCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin owners|owner|audit|rollback [flags]")
	os.Exit(2)
}

// rect is an inclusive chunk rectangle in one dimension. An empty Dim
// matches every dimension.
type rect struct {
	Dim        string
	MinX, MinZ int32
	MaxX, MaxZ int32
	all        bool
}

func (r rect) contains(e world.AuditEntry) bool {
	if r.Dim != "" && e.Dim != r.Dim {
		return false
	}
	if r.all {
		return true
	}
	return e.X >= r.MinX && e.X <= r.MaxX && e.Z >= r.MinZ && e.Z <= r.MaxZ
}

// parseRect reads "x1,z1:x2,z2"; an empty string matches everything.
func parseRect(dim, s string) (rect, error) {
	r := rect{Dim: dim}
	s = strings.TrimSpace(s)
	if s == "" {
		r.all = true
		return r, nil
	}
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return r, fmt.Errorf("area %q: want x1,z1:x2,z2", s)
	}
	x1, z1, err := parsePoint(a)
	if err != nil {
		return r, err
	}
	x2, z2, err := parsePoint(b)
	if err != nil {
		return r, err
	}
	r.MinX, r.MaxX = min(x1, x2), max(x1, x2)
	r.MinZ, r.MaxZ = min(z1, z2), max(z1, z2)
	return r, nil
}

func parsePoint(s string) (int32, int32, error) {
	xs, zs, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return 0, 0, fmt.Errorf("point %q: want x,z", s)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("point %q: %w", s, err)
	}
	z, err := strconv.ParseInt(strings.TrimSpace(zs), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("point %q: %w", s, err)
	}
	return int32(x), int32(z), nil
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dim := fs.String("dim", "", "dimension filter")
	area := fs.String("area", "", "chunk rectangle x1,z1:x2,z2")
	actor := fs.String("actor", "", "actor filter")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	_ = fs.Parse(args)

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
	for _, rec := range recs {
		if *actor != "" && rec.Entry.Actor != *actor {
			continue
		}
		printJSON(rec.Entry)
	}
}

type auditRec struct {
	Seq   uint64
	Entry world.AuditEntry
}

// readAudit returns matching entries in the order they were written.
func readAudit(dir string, sinceTick uint64, r rect) ([]auditRec, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]auditRec, 0, 1024)
	var seq uint64
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var e world.AuditEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				dec.Close()
				_ = f.Close()
				return nil, fmt.Errorf("%s: unmarshal: %w", name, err)
			}
			seq++
			if e.Tick < sinceTick || !r.contains(e) {
				continue
			}
			out = append(out, auditRec{Seq: seq, Entry: e})
		}
		err = sc.Err()
		dec.Close()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
