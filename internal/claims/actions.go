package claims

import (
	"slices"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims/storage"
)

// ClaimResult is the outcome of a player claim request.
type ClaimResult string

const (
	ResultAlreadyClaimed            ClaimResult = "ALREADY_CLAIMED"
	ResultClaimLimitReached         ClaimResult = "CLAIM_LIMIT_REACHED"
	ResultSuccessfulClaim           ClaimResult = "SUCCESSFUL_CLAIM"
	ResultNotClaimedByUser          ClaimResult = "NOT_CLAIMED_BY_USER"
	ResultSuccessfulUnclaim         ClaimResult = "SUCCESSFUL_UNCLAIM"
	ResultForceloadLimitReached     ClaimResult = "FORCELOAD_LIMIT_REACHED"
	ResultAlreadyForceloadable      ClaimResult = "ALREADY_FORCELOADABLE"
	ResultAlreadyUnforceloaded      ClaimResult = "ALREADY_UNFORCELOADED"
	ResultSuccessfulForceload       ClaimResult = "SUCCESSFUL_FORCELOAD"
	ResultSuccessfulUnforceload     ClaimResult = "SUCCESSFUL_UNFORCELOAD"
	ResultNotClaimedByUserForceload ClaimResult = "NOT_CLAIMED_BY_USER_FORCELOAD"
	ResultUnclaimableDimension      ClaimResult = "UNCLAIMABLE_DIMENSION"
	ResultTooFar                    ClaimResult = "TOO_FAR"
	ResultTooManyChunks             ClaimResult = "TOO_MANY_CHUNKS"
	ResultClaimsAreDisabled         ClaimResult = "CLAIMS_ARE_DISABLED"
	ResultInvalidOwner              ClaimResult = "INVALID_OWNER"
)

// Success reports whether the request changed or confirmed a claim.
func (r ClaimResult) Success() bool {
	switch r {
	case ResultSuccessfulClaim, ResultSuccessfulUnclaim, ResultSuccessfulForceload, ResultSuccessfulUnforceload:
		return true
	}
	return false
}

// Action is what a claim request asks for.
type Action string

const (
	ActionClaim       Action = "CLAIM"
	ActionUnclaim     Action = "UNCLAIM"
	ActionForceload   Action = "FORCELOAD"
	ActionUnforceload Action = "UNFORCELOAD"
)

func (a Action) Valid() bool {
	switch a {
	case ActionClaim, ActionUnclaim, ActionForceload, ActionUnforceload:
		return true
	}
	return false
}

// Limits are the policy inputs checked before the store is touched.
type Limits struct {
	Disabled            bool
	MaxClaims           int
	MaxForceloads       int
	MaxDistance         int
	MaxArea             int
	ClaimableDimensions []string
}

// Request is one claim request. From is the chunk the player stands in and
// is used for the distance check. X2/Z2 are only read by TryArea.
type Request struct {
	Action       Action
	Dim          string
	X, Z         int32
	X2, Z2       int32
	Sub          int32
	FromX, FromZ int32
}

// CellResult is the outcome for one chunk of an area request.
type CellResult struct {
	X, Z   int32
	Result ClaimResult
}

// Actions applies player claim requests to a Manager, enforcing limits.
type Actions struct {
	m      *Manager
	limits Limits
}

func NewActions(m *Manager, l Limits) *Actions { return &Actions{m: m, limits: l} }

func (a *Actions) Limits() Limits { return a.limits }

func (a *Actions) precheck(player uuid.UUID, dim string) (ClaimResult, bool) {
	if a.limits.Disabled {
		return ResultClaimsAreDisabled, false
	}
	if IsReserved(player) {
		return ResultInvalidOwner, false
	}
	if len(a.limits.ClaimableDimensions) > 0 && !slices.Contains(a.limits.ClaimableDimensions, dim) {
		return ResultUnclaimableDimension, false
	}
	return "", true
}

func (a *Actions) tooFar(req Request, x, z int32) bool {
	if a.limits.MaxDistance <= 0 {
		return false
	}
	dx, dz := int64(x)-int64(req.FromX), int64(z)-int64(req.FromZ)
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	return dx > int64(a.limits.MaxDistance) || dz > int64(a.limits.MaxDistance)
}

// Try applies a single-chunk request.
func (a *Actions) Try(player uuid.UUID, req Request) ClaimResult {
	if r, ok := a.precheck(player, req.Dim); !ok {
		return r
	}
	if a.tooFar(req, req.X, req.Z) {
		return ResultTooFar
	}
	return a.apply(player, req, req.X, req.Z)
}

// TryArea applies a request to every chunk of the rectangle (X,Z)-(X2,Z2).
func (a *Actions) TryArea(player uuid.UUID, req Request) []CellResult {
	minX, maxX := min(req.X, req.X2), max(req.X, req.X2)
	minZ, maxZ := min(req.Z, req.Z2), max(req.Z, req.Z2)
	if r, ok := a.precheck(player, req.Dim); !ok {
		return []CellResult{{X: req.X, Z: req.Z, Result: r}}
	}
	w := int64(maxX) - int64(minX) + 1
	h := int64(maxZ) - int64(minZ) + 1
	limit := int64(a.limits.MaxArea)
	if limit <= 0 {
		limit = storage.Cells
	}
	// w and h are at most 1<<32, so compare without multiplying.
	if w > limit || h > limit/w {
		return []CellResult{{X: req.X, Z: req.Z, Result: ResultTooManyChunks}}
	}
	out := make([]CellResult, 0, w*h)
	for i := int64(0); i < w; i++ {
		x := int32(int64(minX) + i)
		for j := int64(0); j < h; j++ {
			z := int32(int64(minZ) + j)
			r := ResultTooFar
			if !a.tooFar(req, x, z) {
				r = a.apply(player, req, x, z)
			}
			out = append(out, CellResult{X: x, Z: z, Result: r})
		}
	}
	return out
}

func (a *Actions) apply(player uuid.UUID, req Request, x, z int32) ClaimResult {
	cur := a.m.Get(req.Dim, x, z)
	owned := cur != nil && cur.key.Owner == player
	switch req.Action {
	case ActionClaim:
		if cur != nil && (!owned || cur.key.Sub == req.Sub) {
			return ResultAlreadyClaimed
		}
		if cur == nil && a.limits.MaxClaims > 0 && a.m.owners.Count(player) >= a.limits.MaxClaims {
			return ResultClaimLimitReached
		}
		forceload := cur != nil && cur.key.Forceload
		a.m.Claim(req.Dim, x, z, player, req.Sub, forceload)
		return ResultSuccessfulClaim
	case ActionUnclaim:
		if !owned {
			return ResultNotClaimedByUser
		}
		a.m.Unclaim(req.Dim, x, z)
		return ResultSuccessfulUnclaim
	case ActionForceload:
		if !owned {
			return ResultNotClaimedByUserForceload
		}
		if cur.key.Forceload {
			return ResultAlreadyForceloadable
		}
		if a.limits.MaxForceloads > 0 && a.m.owners.ForceloadCount(player) >= a.limits.MaxForceloads {
			return ResultForceloadLimitReached
		}
		a.m.Claim(req.Dim, x, z, player, cur.key.Sub, true)
		return ResultSuccessfulForceload
	case ActionUnforceload:
		if !owned {
			return ResultNotClaimedByUserForceload
		}
		if !cur.key.Forceload {
			return ResultAlreadyUnforceloaded
		}
		a.m.Claim(req.Dim, x, z, player, cur.key.Sub, false)
		return ResultSuccessfulUnforceload
	}
	return ResultNotClaimedByUser
}
