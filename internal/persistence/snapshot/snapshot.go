package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"chunkclaims.dev/internal/claims"
)

const Version = 1

// Blob is one owner's encoded claims as stored by the index backend. Empty
// Data means the owner has nothing left to persist and its row is deleted.
type Blob struct {
	Owner string
	Data  []byte
}

type Header struct {
	Version int    `json:"version"`
	Owner   string `json:"owner"`
}

// OwnerV1 holds everything persisted for one owner.
type OwnerV1 struct {
	Header     Header        `json:"header"`
	Properties *PropertiesV1 `json:"properties,omitempty"`
	// LastSeen is the owner's last activity in unix seconds.
	LastSeen int64   `json:"last_seen,omitempty"`
	Dims     []DimV1 `json:"dims,omitempty"`
}

type PropertiesV1 struct {
	Username   string `json:"username,omitempty"`
	ClaimsName string `json:"claims_name,omitempty"`
	Color      int32  `json:"color"`
}

type DimV1 struct {
	Dim    string    `json:"dim"`
	States []StateV1 `json:"states"`
}

// StateV1 lists the chunks of one claim type. Chunks are packed with
// claims.PackPos.
type StateV1 struct {
	Sub       int32   `json:"sub"`
	Forceload bool    `json:"forceload,omitempty"`
	Chunks    []int64 `json:"chunks"`
}

func (o OwnerV1) Empty() bool { return o.Properties == nil && len(o.Dims) == 0 }

func (o OwnerV1) ChunkCount() int {
	n := 0
	for _, d := range o.Dims {
		for _, s := range d.States {
			n += len(s.Chunks)
		}
	}
	return n
}

// Capture reads owner's claims and properties out of the store.
func Capture(m *claims.Manager, owner uuid.UUID) OwnerV1 {
	o := OwnerV1{Header: Header{Version: Version, Owner: owner.String()}}
	if p, ok := m.Properties(owner); ok {
		o.Properties = &PropertiesV1{Username: p.Username, ClaimsName: p.ClaimsName, Color: p.Color}
	}
	if t, ok := m.LastSeen(owner); ok {
		o.LastSeen = t.Unix()
	}
	rec := m.Owners().Get(owner)
	if rec == nil {
		return o
	}
	for _, dim := range rec.Dimensions() {
		d := DimV1{Dim: dim}
		for _, st := range rec.States(dim) {
			d.States = append(d.States, StateV1{
				Sub:       st.SubConfig(),
				Forceload: st.Forceloadable(),
				Chunks:    rec.Positions(dim, st),
			})
		}
		if len(d.States) > 0 {
			o.Dims = append(o.Dims, d)
		}
	}
	return o
}

// Restore replays o into the store and returns the number of chunks
// claimed.
func Restore(m *claims.Manager, o OwnerV1) (int, error) {
	if o.Header.Version != Version {
		return 0, fmt.Errorf("owner snapshot version %d unsupported", o.Header.Version)
	}
	owner, err := uuid.Parse(o.Header.Owner)
	if err != nil {
		return 0, fmt.Errorf("owner snapshot: %w", err)
	}
	if o.Properties != nil {
		m.SetProperties(owner, claims.Properties{
			Username:   o.Properties.Username,
			ClaimsName: o.Properties.ClaimsName,
			Color:      o.Properties.Color,
		})
	}
	if o.LastSeen > 0 {
		m.Touch(owner, time.Unix(o.LastSeen, 0))
	}
	n := 0
	for _, d := range o.Dims {
		if d.Dim == "" {
			return n, fmt.Errorf("owner snapshot %s: empty dimension", owner)
		}
		for _, s := range d.States {
			for _, pos := range s.Chunks {
				x, z := claims.UnpackPos(pos)
				m.Claim(d.Dim, x, z, owner, s.Sub, s.Forceload)
				n++
			}
		}
	}
	return n, nil
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode returns the compressed JSON form of o. Empty owners encode to nil.
func Encode(o OwnerV1) ([]byte, error) {
	if o.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode owner %s: %w", o.Header.Owner, err)
	}
	return encoder.EncodeAll(b, nil), nil
}

func Decode(b []byte) (OwnerV1, error) {
	var o OwnerV1
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return o, fmt.Errorf("zstd: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return o, fmt.Errorf("decode owner: %w", err)
	}
	return o, nil
}

// CaptureBlob captures and encodes owner in one step.
func CaptureBlob(m *claims.Manager, owner uuid.UUID) (Blob, error) {
	b, err := Encode(Capture(m, owner))
	if err != nil {
		return Blob{}, err
	}
	return Blob{Owner: owner.String(), Data: b}, nil
}

// RestoreBlobs decodes and replays every blob. It stops at the first bad
// blob so a corrupt store never loads half an owner silently.
func RestoreBlobs(m *claims.Manager, blobs []Blob) (owners, chunks int, err error) {
	for _, b := range blobs {
		o, err := Decode(b.Data)
		if err != nil {
			return owners, chunks, fmt.Errorf("owner %s: %w", b.Owner, err)
		}
		if o.Header.Owner != b.Owner {
			return owners, chunks, fmt.Errorf("owner %s: blob holds %s", b.Owner, o.Header.Owner)
		}
		n, err := Restore(m, o)
		chunks += n
		if err != nil {
			return owners, chunks, err
		}
		owners++
	}
	return owners, chunks, nil
}
