package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgref"
	"github.com/git-pkgs/pkgref/internal/core"
)

const descriptionWidth = 60

func newSearchCmd(a *app) *cobra.Command {
	var (
		prerelease bool
		take       int
		skip       int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the registry for packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			results, err := a.manager.SearchRegistry(cmd.Context(), query, pkgref.SearchOptions{
				Prerelease: prerelease,
				Take:       take,
				Skip:       skip,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), results)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tLATEST\tDOWNLOADS\tDESCRIPTION")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Name, r.LatestVersion, r.TotalDownloads, truncate(r.Description, descriptionWidth))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "include prerelease versions")
	cmd.Flags().IntVar(&take, "take", 20, "number of results")
	cmd.Flags().IntVar(&skip, "skip", 0, "results to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newVersionsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "versions <package>",
		Short: "List every published version of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := a.manager.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), versions)
			}
			for _, v := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newOutdatedCmd(a *app) *cobra.Command {
	var (
		prerelease bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "outdated <manifest>",
		Short: "Show references whose version differs from the latest release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outdated, err := a.manager.Outdated(cmd.Context(), args[0], prerelease)
			if outdated == nil && err != nil {
				return err
			}
			if asJSON {
				if outdated == nil {
					outdated = []pkgref.Outdated{}
				}
				if werr := writeJSON(cmd.OutOrStdout(), outdated); werr != nil {
					return werr
				}
				return err
			}

			if len(outdated) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "All packages are up to date.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tCURRENT\tLATEST")
			for _, o := range outdated {
				fmt.Fprintf(w, "%s\t%s\t%s\n", o.Name, o.Current, o.Latest)
			}
			if werr := w.Flush(); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "compare against prerelease versions too")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <package> [version]",
		Short: "Show registry metadata for a package",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := pkgref.ParseReference(args[0])
			if err != nil {
				return err
			}
			if len(args) > 1 {
				ref.Version = args[1]
			}

			pkg, err := a.manager.PackageInfo(cmd.Context(), ref.Name)
			if err != nil {
				return err
			}
			version := ref.Version
			if version == "" {
				version = pkg.LatestVersion
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", pkg.Name, version)
			if pkg.Description != "" {
				fmt.Fprintf(out, "\n%s\n\n", pkg.Description)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "latest:\t%s\n", pkg.LatestVersion)
			if pkg.Licenses != "" {
				license := pkg.Licenses
				if valid, ok := pkg.Metadata["license_valid"].(bool); ok && !valid {
					license += " (not a valid SPDX expression)"
				}
				fmt.Fprintf(w, "license:\t%s\n", license)
			}
			if authors, _ := pkg.Metadata["authors"].(string); authors != "" {
				fmt.Fprintf(w, "authors:\t%s\n", authors)
			}
			if pkg.Homepage != "" {
				fmt.Fprintf(w, "homepage:\t%s\n", pkg.Homepage)
			}
			if pkg.Repository != "" {
				fmt.Fprintf(w, "repository:\t%s\n", pkg.Repository)
			}

			urls := core.BuildURLs(a.manager.Registry().URLs(), pkg.Name, version)
			keys := make([]string, 0, len(urls))
			for k := range urls {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s:\t%s\n", k, urls[k])
			}
			if err := w.Flush(); err != nil {
				return err
			}

			deps, err := a.manager.Dependencies(cmd.Context(), pkg.Name, version)
			if err != nil {
				return err
			}
			if len(deps) == 0 {
				return nil
			}
			fmt.Fprintln(out, "\ndependencies:")
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, d := range deps {
				fmt.Fprintf(w, "  %s\t%s\t%s\n", d.Name, d.Requirements, d.TargetFramework)
			}
			return w.Flush()
		},
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
