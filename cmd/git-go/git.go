package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	git "github.com/goabstract/gitcore"
	"github.com/goabstract/gitcore/ginternals/object"
)

type rootFlags struct {
	// C corresponds to git's -C: run as if started in the given
	// directory
	C       string
	verbose bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "git-go",
		Short:         "git-go is an implementation of git in pure Go",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&flags.C, "directory", "C", "", "Run as if git was started in the given path")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log maintenance operations")

	cmd.AddCommand(
		newInitCmd(flags),
		newHashObjectCmd(flags),
		newCatFileCmd(flags),
		newAddCmd(flags),
		newCommitCmd(flags),
		newStatusCmd(flags),
		newLogCmd(flags),
		newBranchCmd(flags),
		newCheckoutCmd(flags),
		newMergeCmd(flags),
		newRebaseCmd(flags),
		newTagCmd(flags),
		newResetCmd(flags),
		newGcCmd(flags),
	)
	return cmd
}

func (flags *rootFlags) repoPath() (string, error) {
	if flags.C != "" {
		return flags.C, nil
	}
	return os.Getwd()
}

func (flags *rootFlags) openRepo() (*git.Repository, error) {
	p, err := flags.repoPath()
	if err != nil {
		return nil, err
	}
	opts := git.Options{}
	if flags.verbose {
		opts.Logger = logrus.StandardLogger()
	}
	return git.OpenRepositoryWithOptions(p, opts)
}

func newInitCmd(flags *rootFlags) *cobra.Command {
	var initialBranch string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty Git repository or reinitialize an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.repoPath()
			if err != nil {
				return err
			}
			r, err := git.InitRepositoryWithOptions(p, git.Options{InitialBranch: initialBranch})
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // nothing was written after init
			cmd.Printf("Initialized empty Git repository in %s\n", p)
			return nil
		},
	}
	cmd.Flags().StringVarP(&initialBranch, "initial-branch", "b", "", "Name of the initial branch")
	return cmd
}

func newHashObjectCmd(flags *rootFlags) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "hash-object <file>",
		Short: "Compute object ID and optionally create a blob from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // only reads happened on error paths

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			oid, err := r.HashObject(object.TypeBlob, data, write)
			if err != nil {
				return err
			}
			cmd.Println(oid.String())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Actually write the object into the object database")
	return cmd
}

func newCatFileCmd(flags *rootFlags) *cobra.Command {
	var printType, printSize bool
	cmd := &cobra.Command{
		Use:   "cat-file <object>",
		Short: "Provide content, type, or size information for repository objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // only reads happened

			oid, err := r.ResolveRevision(args[0])
			if err != nil {
				return err
			}
			o, err := r.Object(oid)
			if err != nil {
				return err
			}
			switch {
			case printType:
				cmd.Println(o.Type().String())
			case printSize:
				cmd.Println(o.Size())
			default:
				cmd.Print(string(o.Bytes()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&printType, "type", "t", false, "Show the object type")
	cmd.Flags().BoolVarP(&printSize, "size", "s", false, "Show the object size")
	return cmd
}

func newAddCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>...",
		Short: "Add file contents to the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the index write already happened

			_, err = r.Add(args...)
			return err
		},
	}
}

func newCommitCmd(flags *rootFlags) *cobra.Command {
	var message string
	var amend bool
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record changes to the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the ref update already happened

			res, err := r.Commit(message, git.CommitOptions{Amend: amend})
			if err != nil {
				return err
			}
			cmd.Printf("[%s %s]\n", res.Branch, res.ID.String()[:7])
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message")
	cmd.Flags().BoolVar(&amend, "amend", false, "Replace the tip of the current branch")
	cobra.CheckErr(cmd.MarkFlagRequired("message"))
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the working tree status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // only reads happened

			res, err := r.Status()
			if err != nil {
				return err
			}
			if res.Detached {
				cmd.Printf("HEAD detached at %s\n", res.Branch)
			} else {
				cmd.Printf("On branch %s\n", res.Branch)
			}
			for _, e := range res.Staged {
				cmd.Printf("  staged:    %s %s\n", statusLetter(e.Status), e.Path)
			}
			for _, e := range res.Unstaged {
				cmd.Printf("  unstaged:  %s %s\n", statusLetter(e.Status), e.Path)
			}
			for _, p := range res.Conflicted {
				cmd.Printf("  conflict:    %s\n", p)
			}
			for _, p := range res.Untracked {
				cmd.Printf("  untracked:   %s\n", p)
			}
			return nil
		},
	}
}

func statusLetter(s git.FileStatus) string {
	switch s {
	case git.StatusAdded:
		return "A"
	case git.StatusDeleted:
		return "D"
	default:
		return "M"
	}
}

func newLogCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log [revision]",
		Short: "Show commit logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // only reads happened

			opts := git.LogOptions{Limit: limit}
			if len(args) > 0 {
				opts.From = args[0]
			}
			commits, err := r.Log(opts)
			if err != nil {
				return err
			}
			for _, c := range commits {
				cmd.Printf("commit %s\nAuthor: %s <%s>\nDate:   %s\n\n    %s\n\n",
					c.ID().String(), c.Author().Name, c.Author().Email,
					c.Author().Time.Format("Mon Jan 2 15:04:05 2006 -0700"),
					c.Summary())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "max-count", "n", 0, "Limit the number of commits")
	return cmd
}

func newBranchCmd(flags *rootFlags) *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "branch [name] [start-point]",
		Short: "List, create, or delete branches",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // branch writes already happened

			switch {
			case len(args) == 0:
				branches, err := r.Branches()
				if err != nil {
					return err
				}
				for _, b := range branches {
					marker := "  "
					if b.IsHead {
						marker = "* "
					}
					cmd.Printf("%s%s\n", marker, b.Name)
				}
				return nil
			case del:
				return r.DeleteBranch(args[0])
			default:
				rev := ""
				if len(args) == 2 {
					rev = args[1]
				}
				_, err := r.CreateBranch(args[0], rev)
				return err
			}
		},
	}
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "Delete a branch")
	return cmd
}

func newCheckoutCmd(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "checkout <revision>",
		Short: "Switch branches or restore working tree files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the checkout already happened

			res, err := r.Checkout(args[0], git.CheckoutOptions{Force: force})
			if err != nil {
				return err
			}
			if res.Branch != "" {
				cmd.Printf("Switched to branch '%s'\n", res.Branch)
			} else {
				cmd.Printf("HEAD is now at %s\n", res.Head.String()[:7])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Throw away local modifications")
	return cmd
}

func newMergeCmd(flags *rootFlags) *cobra.Command {
	var noFF, abort, cont bool
	cmd := &cobra.Command{
		Use:   "merge [revision]",
		Short: "Join two or more development histories together",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the merge already happened

			switch {
			case abort:
				return r.AbortMerge()
			case cont:
				_, err := r.ContinueMerge("")
				return err
			}
			if len(args) != 1 {
				return cmd.Usage()
			}

			res, err := r.Merge(args[0], git.MergeOptions{NoFF: noFF})
			if err != nil {
				return err
			}
			switch res.Status {
			case git.MergeUpToDate:
				cmd.Println("Already up to date.")
			case git.MergeFastForward:
				cmd.Printf("Fast-forward to %s\n", res.NewHead.String()[:7])
			case git.MergeOK:
				cmd.Printf("Merge made, now at %s\n", res.NewHead.String()[:7])
			case git.MergeConflicts:
				for _, c := range res.Conflicts {
					cmd.Printf("CONFLICT: %s\n", c.Path)
				}
				cmd.Println("Automatic merge failed; fix conflicts and then commit the result.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noFF, "no-ff", false, "Create a merge commit even when fast-forwarding is possible")
	cmd.Flags().BoolVar(&abort, "abort", false, "Abort the current merge")
	cmd.Flags().BoolVar(&cont, "continue", false, "Finish the current merge after resolving conflicts")
	return cmd
}

func newRebaseCmd(flags *rootFlags) *cobra.Command {
	var abort, cont, skip bool
	var onto string
	cmd := &cobra.Command{
		Use:   "rebase [upstream]",
		Short: "Reapply commits on top of another base tip",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the rebase already happened

			var res *git.RebaseResult
			switch {
			case abort:
				res, err = r.AbortRebase()
			case cont:
				res, err = r.ContinueRebase()
			case skip:
				res, err = r.SkipRebaseCommit()
			default:
				if len(args) != 1 {
					return cmd.Usage()
				}
				res, err = r.Rebase(args[0], onto)
			}
			if err != nil {
				return err
			}

			switch res.Status {
			case git.RebaseUpToDate:
				cmd.Println("Current branch is up to date.")
			case git.RebaseFastForward, git.RebaseOK:
				cmd.Printf("Successfully rebased, now at %s\n", res.NewHead.String()[:7])
			case git.RebaseStopped:
				cmd.Printf("Rebase stopped at %s; fix conflicts and run rebase --continue\n", res.StoppedAt.String()[:7])
			case git.RebaseAborted:
				cmd.Println("Rebase aborted.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&abort, "abort", false, "Abort the current rebase")
	cmd.Flags().BoolVar(&cont, "continue", false, "Resume the current rebase")
	cmd.Flags().BoolVar(&skip, "skip", false, "Skip the current commit and resume")
	cmd.Flags().StringVar(&onto, "onto", "", "Rebase onto the given revision instead of upstream")
	return cmd
}

func newTagCmd(flags *rootFlags) *cobra.Command {
	var del bool
	var message string
	cmd := &cobra.Command{
		Use:   "tag [name] [revision]",
		Short: "Create, list, or delete tags",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // tag writes already happened

			switch {
			case len(args) == 0:
				tags, err := r.Tags()
				if err != nil {
					return err
				}
				for _, t := range tags {
					cmd.Println(t.Name)
				}
				return nil
			case del:
				return r.DeleteTag(args[0])
			default:
				rev := ""
				if len(args) == 2 {
					rev = args[1]
				}
				_, err := r.CreateTag(args[0], rev, git.TagOptions{Message: message})
				return err
			}
		},
	}
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "Delete a tag")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Make an annotated tag with the given message")
	return cmd
}

func newResetCmd(flags *rootFlags) *cobra.Command {
	var soft, hard bool
	cmd := &cobra.Command{
		Use:   "reset <revision>",
		Short: "Reset current HEAD to the specified state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the reset already happened

			mode := git.ResetMixed
			switch {
			case soft && hard:
				return fmt.Errorf("--soft and --hard are mutually exclusive")
			case soft:
				mode = git.ResetSoft
			case hard:
				mode = git.ResetHard
			}
			return r.Reset(args[0], mode)
		},
	}
	cmd.Flags().BoolVar(&soft, "soft", false, "Only move HEAD")
	cmd.Flags().BoolVar(&hard, "hard", false, "Also reset the index and the working tree")
	return cmd
}

func newGcCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Cleanup unnecessary files and optimize the local repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.openRepo()
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck // the gc already happened

			res, err := r.GC()
			if err != nil {
				return err
			}
			cmd.Printf("Packed %d objects (%d as deltas), pruned %d\n", res.Packed, res.Deltified, res.Pruned)
			return nil
		},
	}
}
