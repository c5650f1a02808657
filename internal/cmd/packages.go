package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgref"
)

func newListCmd(a *app) *cobra.Command {
	var (
		filter string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list <manifest>",
		Aliases: []string{"ls"},
		Short:   "List the package references in a manifest",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := a.manager.ListInstalled(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if filter != "" {
				refs = filterRefs(refs, filter)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), refs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tVERSION")
			for _, r := range refs {
				fmt.Fprintf(w, "%s\t%s\n", r.Name, r.Version)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "fuzzy filter on package names")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// filterRefs keeps the references whose names fuzzy-match pattern, in
// manifest order.
func filterRefs(refs []pkgref.PackageReference, pattern string) []pkgref.PackageReference {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	matched := make(map[int]bool)
	for _, m := range fuzzy.Find(pattern, names) {
		matched[m.Index] = true
	}

	out := make([]pkgref.PackageReference, 0, len(matched))
	for i, r := range refs {
		if matched[i] {
			out = append(out, r)
		}
	}
	return out
}

func newAddCmd(a *app) *cobra.Command {
	var prerelease bool
	cmd := &cobra.Command{
		Use:   "add <manifest> <package> [version]",
		Short: "Add a package reference",
		Long: `Add a package reference to a manifest.

The package may be given as a name, name@version or pkg:nuget purl. Without a
version the latest stable release is looked up in the registry.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := a.resolve(cmd, args[1], args[2:], prerelease)
			if err != nil {
				return err
			}
			added, err := a.manager.AddPackage(cmd.Context(), args[0], ref.Name, ref.Version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s to %s\n", added.Name, added.Version, filepath.Base(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "consider prerelease versions when none is given")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var prerelease bool
	cmd := &cobra.Command{
		Use:     "update <manifest> <package> [version]",
		Aliases: []string{"upgrade"},
		Short:   "Change the version of a package reference",
		Long: `Change the version of a package reference in place.

Without a version the latest stable release is looked up in the registry.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := a.resolve(cmd, args[1], args[2:], prerelease)
			if err != nil {
				return err
			}
			updated, err := a.manager.UpdatePackage(cmd.Context(), args[0], ref.Name, ref.Version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s to %s in %s\n", updated.Name, updated.Version, filepath.Base(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "consider prerelease versions when none is given")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <manifest> <package>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a package reference",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := pkgref.ParseReference(args[1])
			if err != nil {
				return err
			}
			if err := a.manager.DeletePackage(cmd.Context(), args[0], ref.Name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", ref.Name, filepath.Base(args[0]))
			return nil
		},
	}
}

// resolve turns a package argument and optional version argument into a
// reference, asking the registry for the latest version when neither
// carries one.
func (a *app) resolve(cmd *cobra.Command, pkg string, rest []string, prerelease bool) (pkgref.PackageReference, error) {
	ref, err := pkgref.ParseReference(pkg)
	if err != nil {
		return ref, err
	}
	if len(rest) > 0 {
		ref.Version = rest[0]
	}
	if ref.Version != "" {
		return ref, nil
	}

	latest, err := a.manager.LatestVersion(cmd.Context(), ref.Name, prerelease)
	if err != nil {
		return ref, fmt.Errorf("resolving latest version of %s: %w", ref.Name, err)
	}
	a.logger.Debug("resolved latest version", "package", ref.Name, "version", latest.Number)
	ref.Version = latest.Number
	return ref, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
