package githistory

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goabstract/gitcore/ginternals"
)

// ErrInvalidRevision is an error thrown when a revision expression
// cannot be parsed
var ErrInvalidRevision = errors.New("invalid revision")

// RefResolver resolves a ref name to a direct reference
type RefResolver interface {
	Reference(name string) (*ginternals.Reference, error)
}

// ResolveRevision resolves a revision expression to a commit oid.
//
// Supported forms:
// - a full 40-hex oid
// - a ref name (HEAD, refs/heads/main, main, a tag short name)
// - relative suffixes: ~N follows the first parent N times, ^N picks
//   the Nth parent (1-based, ^ alone means ^1). Suffixes combine:
//   HEAD~2^2~1
func (g *Graph) ResolveRevision(refs RefResolver, rev string) (ginternals.Oid, error) {
	if rev == "" {
		return ginternals.NullOid, fmt.Errorf("empty revision: %w", ErrInvalidRevision)
	}

	// split the base name from the relative suffixes
	baseEnd := len(rev)
	for i, c := range rev {
		if c == '~' || c == '^' {
			baseEnd = i
			break
		}
	}
	base := rev[:baseEnd]
	suffix := rev[baseEnd:]

	oid, err := g.resolveBase(refs, base)
	if err != nil {
		return ginternals.NullOid, err
	}

	for i := 0; i < len(suffix); {
		op := suffix[i]
		i++

		n, width := readRevisionNumber(suffix[i:])
		i += width

		switch op {
		case '~':
			if width == 0 {
				n = 1
			}
			for step := 0; step < n; step++ {
				commit, err := g.Commit(oid)
				if err != nil {
					return ginternals.NullOid, err
				}
				oid = commit.FirstParentID()
				if oid.IsZero() {
					return ginternals.NullOid, fmt.Errorf("%q goes past the root commit: %w", rev, ErrInvalidRevision)
				}
			}
		case '^':
			if width == 0 {
				n = 1
			}
			commit, err := g.Commit(oid)
			if err != nil {
				return ginternals.NullOid, err
			}
			parents := commit.ParentIDs()
			if n < 1 || n > len(parents) {
				return ginternals.NullOid, fmt.Errorf("%q asks for parent %d of a %d-parent commit: %w", rev, n, len(parents), ErrInvalidRevision)
			}
			oid = parents[n-1]
		default:
			return ginternals.NullOid, fmt.Errorf("unexpected %q in %q: %w", op, rev, ErrInvalidRevision)
		}
	}
	return oid, nil
}

func readRevisionNumber(s string) (n, width int) {
	for width < len(s) && s[width] >= '0' && s[width] <= '9' {
		width++
	}
	if width == 0 {
		return 0, 0
	}
	n, _ = strconv.Atoi(s[:width])
	return n, width
}

// resolveBase resolves the name part of a revision: an oid, a full
// ref name, or a short branch/tag name
func (g *Graph) resolveBase(refs RefResolver, base string) (ginternals.Oid, error) {
	if len(base) == ginternals.OidSize*2 {
		if oid, err := ginternals.NewOidFromStr(base); err == nil {
			return oid, nil
		}
	}

	candidates := []string{
		base,
		ginternals.LocalBranchFullName(base),
		ginternals.LocalTagFullName(base),
	}
	for _, name := range candidates {
		ref, err := refs.Reference(name)
		if err == nil {
			return g.peel(ref.Target())
		}
		if !errors.Is(err, ginternals.ErrRefNotFound) && !errors.Is(err, ginternals.ErrRefNameInvalid) {
			return ginternals.NullOid, err
		}
	}
	return ginternals.NullOid, fmt.Errorf("revision %q: %w", base, ginternals.ErrRefNotFound)
}

// peel follows annotated tags until a non-tag object is reached
func (g *Graph) peel(oid ginternals.Oid) (ginternals.Oid, error) {
	for depth := 0; depth < 10; depth++ {
		o, err := g.store.Object(oid)
		if err != nil {
			return ginternals.NullOid, err
		}
		tag, err := o.AsTag()
		if err != nil {
			// not a tag: we're done peeling
			return oid, nil
		}
		oid = tag.Target()
	}
	return ginternals.NullOid, fmt.Errorf("tag chain too long at %s: %w", oid.String(), ErrInvalidRevision)
}
