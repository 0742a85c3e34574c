package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/internal/fsutil"
)

// refContent returns the raw bytes a ref name resolves from: the
// loose file if there is one, the packed-refs entry otherwise
func (b *Backend) refContent(name string) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, ginternals.RefPath(b.config, name))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not read reference %q: %w", name, err)
	}

	packed, err := b.packedRefs()
	if err != nil {
		return nil, err
	}
	if ref, ok := packed[name]; ok {
		return []byte(ref.Target().String() + "\n"), nil
	}
	return nil, fmt.Errorf("ref %q: %w", name, ginternals.ErrRefNotFound)
}

// packedRefs parses the packed-refs file.
// The format is one "oid name" line per ref, sorted by name, with
// optional "^oid" lines carrying the peeled target of the annotated
// tag on the previous line
func (b *Backend) packedRefs() (map[string]*ginternals.Reference, error) {
	out := map[string]*ginternals.Reference{}

	f, err := b.fs.Open(ginternals.PackedRefsPath(b.config))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("could not open packed-refs: %w", err)
	}
	defer f.Close() //nolint:errcheck // only reads happened

	var last *ginternals.Reference
	sc := bufio.NewScanner(f)
	for i := 1; sc.Scan(); i++ {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '^' {
			if last == nil {
				return nil, fmt.Errorf("peel line %d has no previous ref: %w", i, ginternals.ErrPackedRefInvalid)
			}
			peeled, err := ginternals.NewOidFromStr(line[1:])
			if err != nil {
				return nil, fmt.Errorf("invalid peel line %d: %w", i, ginternals.ErrPackedRefInvalid)
			}
			out[last.Name()] = ginternals.NewPeeledReference(last.Name(), last.Target(), peeled)
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("unexpected data line %d: %w", i, ginternals.ErrPackedRefInvalid)
		}
		oid, err := ginternals.NewOidFromStr(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid oid line %d: %w", i, ginternals.ErrPackedRefInvalid)
		}
		last = ginternals.NewReference(parts[1], oid)
		out[parts[1]] = last
	}
	if sc.Err() != nil {
		return nil, fmt.Errorf("could not parse packed-refs: %w", sc.Err())
	}
	return out, nil
}

// Reference returns a stored reference from its name, following
// symbolic refs until an object is reached.
// ginternals.ErrRefNotFound is returned if the reference doesn't
// exist. This method can be called concurrently
func (b *Backend) Reference(name string) (*ginternals.Reference, error) {
	return ginternals.ResolveReference(name, b.refContent)
}

// RawReference returns the reference stored under name WITHOUT
// following symbolic targets. An unborn HEAD (symbolic ref to a
// branch that has no commit yet) can only be read this way
func (b *Backend) RawReference(name string) (*ginternals.Reference, error) {
	data, err := b.refContent(name)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.Trim(data, " \n")

	if bytes.HasPrefix(trimmed, []byte("ref: ")) {
		return ginternals.NewSymbolicReference(name, string(trimmed[5:])), nil
	}
	oid, err := ginternals.NewOidFromChars(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ref %q: %w", name, ginternals.ErrRefInvalid)
	}
	return ginternals.NewReference(name, oid), nil
}

// writeLooseReference serializes a ref into its loose file
func (b *Backend) writeLooseReference(ref *ginternals.Reference) error {
	if !ginternals.IsRefNameValid(ref.Name()) {
		return ginternals.ErrRefNameInvalid
	}

	var target string
	switch ref.Type() {
	case ginternals.SymbolicReference:
		target = fmt.Sprintf("ref: %s\n", ref.SymbolicTarget())
	case ginternals.OidReference:
		target = fmt.Sprintf("%s\n", ref.Target().String())
	default:
		return fmt.Errorf("reference type %d: %w", ref.Type(), ginternals.ErrUnknownRefType)
	}

	refPath := ginternals.RefPath(b.config, ref.Name())
	// Since we can have `/` in the ref name, we need to create
	// the path on the FS
	if err := b.fs.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}

	// the update goes through a lockfile then a rename so a crashed
	// writer never leaves a half-written ref behind
	lock := refPath + ".lock"
	f, err := b.fs.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("ref %q is locked: %w", ref.Name(), ginternals.ErrRefLockContended)
		}
		return fmt.Errorf("could not lock reference %q: %w", ref.Name(), err)
	}
	_, writeErr := f.WriteString(target)
	closeErr := f.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		b.fs.Remove(lock) //nolint:errcheck // it already failed
		return fmt.Errorf("could not write reference %q: %w", ref.Name(), writeErr)
	}
	if err := fsutil.RenameReplace(b.fs, lock, refPath); err != nil {
		b.fs.Remove(lock) //nolint:errcheck // it already failed
		return fmt.Errorf("could not persist reference %q: %w", ref.Name(), err)
	}
	return nil
}

// WriteReference writes the given reference in the db. If the
// reference already exists it will be overwritten
func (b *Backend) WriteReference(ref *ginternals.Reference) error {
	b.refMu.Lock()
	defer b.refMu.Unlock()

	return b.writeLooseReference(ref)
}

// WriteReferenceSafe writes the given reference in the db.
// ginternals.ErrRefExists is returned if the reference already exists
func (b *Backend) WriteReferenceSafe(ref *ginternals.Reference) error {
	b.refMu.Lock()
	defer b.refMu.Unlock()

	if _, err := b.refContent(ref.Name()); err == nil {
		return ginternals.ErrRefExists
	} else if !errors.Is(err, ginternals.ErrRefNotFound) {
		return err
	}
	return b.writeLooseReference(ref)
}

// CompareAndSwapReference updates a direct reference only if its
// current target is expectedOld. Creating a ref passes NullOid as
// expectedOld.
// Losing against a concurrent update returns
// ginternals.ErrRefLockContended
func (b *Backend) CompareAndSwapReference(name string, expectedOld, newTarget ginternals.Oid) error {
	b.refMu.Lock()
	defer b.refMu.Unlock()

	current := ginternals.NullOid
	data, err := b.refContent(name)
	switch {
	case err == nil:
		trimmed := bytes.Trim(data, " \n")
		if bytes.HasPrefix(trimmed, []byte("ref: ")) {
			return fmt.Errorf("ref %q is symbolic: %w", name, ginternals.ErrRefInvalid)
		}
		current, err = ginternals.NewOidFromChars(trimmed)
		if err != nil {
			return fmt.Errorf("ref %q: %w", name, ginternals.ErrRefInvalid)
		}
	case errors.Is(err, ginternals.ErrRefNotFound):
		// creation
	default:
		return err
	}

	if current != expectedOld {
		return fmt.Errorf("ref %q moved to %s: %w", name, current.String(), ginternals.ErrRefLockContended)
	}
	return b.writeLooseReference(ginternals.NewReference(name, newTarget))
}

// DeleteReference removes a reference, loose and packed forms alike
func (b *Backend) DeleteReference(name string) error {
	b.refMu.Lock()
	defer b.refMu.Unlock()

	found := false
	refPath := ginternals.RefPath(b.config, name)
	err := b.fs.Remove(refPath)
	switch {
	case err == nil:
		found = true
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("could not remove reference %q: %w", name, err)
	}

	packed, err := b.packedRefs()
	if err != nil {
		return err
	}
	if _, ok := packed[name]; ok {
		delete(packed, name)
		if err := b.writePackedRefs(packed); err != nil {
			return err
		}
		found = true
	}

	if !found {
		return fmt.Errorf("ref %q: %w", name, ginternals.ErrRefNotFound)
	}
	return nil
}

// writePackedRefs rewrites the packed-refs file with the given refs
func (b *Backend) writePackedRefs(refs map[string]*ginternals.Reference) error {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("# pack-refs with: peeled fully-peeled sorted \n")
	for _, name := range names {
		ref := refs[name]
		fmt.Fprintf(&buf, "%s %s\n", ref.Target().String(), name)
		if !ref.Peeled().IsZero() {
			fmt.Fprintf(&buf, "^%s\n", ref.Peeled().String())
		}
	}

	path := ginternals.PackedRefsPath(b.config)
	tmp := path + ".lock"
	if err := afero.WriteFile(b.fs, tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("could not write packed-refs: %w", err)
	}
	if err := fsutil.RenameReplace(b.fs, tmp, path); err != nil {
		b.fs.Remove(tmp) //nolint:errcheck // it already failed
		return fmt.Errorf("could not persist packed-refs: %w", err)
	}
	return nil
}

// looseRefNames returns the names of all the loose refs, HEAD-style
// special refs included when present
func (b *Backend) looseRefNames() ([]string, error) {
	var names []string

	refsPath := ginternals.RefsPath(b.config)
	err := afero.Walk(b.fs, refsPath, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // a missing refs dir just means no refs yet
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(info.Name(), ".lock") {
			return nil
		}
		rel, err := filepath.Rel(b.Path(), path)
		if err != nil {
			return err //nolint:wrapcheck // the error message is already descriptive
		}
		// the name of a ref is its UNIX path
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not browse the refs directory: %w", err)
	}

	for _, special := range []string{
		ginternals.Head,
		ginternals.OrigHead,
		ginternals.MergeHead,
		ginternals.CherryPickHead,
		ginternals.RevertHead,
		ginternals.RebaseHead,
	} {
		if _, err := b.fs.Stat(filepath.Join(b.Path(), special)); err == nil {
			names = append(names, special)
		}
	}
	return names, nil
}

// WalkReferences runs the provided method on all the references,
// sorted by name. Loose refs win over their packed duplicates
func (b *Backend) WalkReferences(f RefWalkFunc) error {
	packed, err := b.packedRefs()
	if err != nil {
		return err
	}
	loose, err := b.looseRefNames()
	if err != nil {
		return err
	}

	seen := map[string]struct{}{}
	names := make([]string, 0, len(loose)+len(packed))
	for _, name := range loose {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for name := range packed {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ref, err := b.Reference(name)
		if err != nil {
			// a symbolic ref may point at a branch that doesn't
			// exist yet (fresh HEAD); skip it, but surface IO issues
			if errors.Is(err, ginternals.ErrRefNotFound) {
				continue
			}
			return fmt.Errorf("could not resolve reference %q: %w", name, err)
		}
		if err = f(ref); err != nil {
			if err == WalkStop { //nolint:errorlint // it's a sentinel, not a wrapped error
				return nil
			}
			return err
		}
	}
	return nil
}
