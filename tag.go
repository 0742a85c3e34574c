package git

import (
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// Tag describes one tag
type Tag struct {
	// Name is the short name (v1.0, not refs/tags/v1.0)
	Name string
	// Target is what the ref points at: the tag object for an
	// annotated tag, the commit for a lightweight one
	Target ginternals.Oid
	// IsAnnotated says whether a tag object backs the ref
	IsAnnotated bool
}

// TagOptions tunes CreateTag
type TagOptions struct {
	// Message makes the tag annotated
	Message string
	// Tagger defaults to the configured user when annotating
	Tagger object.Signature
}

// Tags lists the tags, sorted by name
func (r *Repository) Tags() ([]Tag, error) {
	var out []Tag
	err := r.dotGit.WalkReferences(func(ref *ginternals.Reference) error {
		short := ginternals.LocalTagShortName(ref.Name())
		if short == ref.Name() {
			// not under refs/tags/
			return nil
		}
		t := Tag{Name: short, Target: ref.Target()}
		if o, err := r.dotGit.Object(ref.Target()); err == nil {
			t.IsAnnotated = o.Type() == object.TypeTag
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTag creates a tag pointing at the given revision (HEAD when
// empty). A message makes it an annotated tag backed by a tag object
func (r *Repository) CreateTag(name, rev string, opts TagOptions) (*Tag, error) {
	if rev == "" {
		rev = ginternals.Head
	}
	target, err := r.ResolveRevision(rev)
	if err != nil {
		return nil, err
	}

	fullName := ginternals.LocalTagFullName(name)
	if !ginternals.IsRefNameValid(fullName) {
		return nil, fmt.Errorf("tag %q: %w", name, ginternals.ErrRefNameInvalid)
	}

	refTarget := target
	annotated := false
	if opts.Message != "" {
		tagger := opts.Tagger
		if tagger.IsZero() {
			userName, hasName := r.cfg.FromFile().UserName()
			email, hasEmail := r.cfg.FromFile().UserEmail()
			if !hasName || !hasEmail {
				return nil, fmt.Errorf("user.name and user.email are not configured: %w", ginternals.ErrInvalidArgument)
			}
			tagger = object.NewSignature(userName, email)
		}

		targetObj, err := r.dotGit.Object(target)
		if err != nil {
			return nil, err
		}
		tagObj := object.NewTag(&object.TagParams{
			Target:  targetObj,
			Name:    name,
			Tagger:  tagger,
			Message: opts.Message,
		})
		refTarget, err = r.dotGit.WriteObject(tagObj.ToObject())
		if err != nil {
			return nil, err
		}
		annotated = true
	}

	if err := r.dotGit.WriteReferenceSafe(ginternals.NewReference(fullName, refTarget)); err != nil {
		return nil, err
	}
	return &Tag{Name: name, Target: refTarget, IsAnnotated: annotated}, nil
}

// DeleteTag removes a tag.
// The tag object of an annotated tag stays in the odb until a GC
func (r *Repository) DeleteTag(name string) error {
	return r.dotGit.DeleteReference(ginternals.LocalTagFullName(name))
}
