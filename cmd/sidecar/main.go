// Command sidecar is the optional air-gapped extractor of spec §6: it runs
// internal/extractor and internal/hardware directly against local text,
// with no network call and no device credentials, for environments where
// the main server process cannot reach the device itself (output captured
// by a separate, already-authorized collection tool).
//
// Grounded on cmd/cctool's flag.FlagSet/subcommand-free CLI shape: a single
// binary reading from a file or stdin and writing one JSON object to
// stdout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/extractor"
	"github.com/ciscopsirt/matchd/internal/hardware"
	"github.com/ciscopsirt/matchd/internal/taxonomy"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sidecar", flag.ContinueOnError)
	platform := fs.String("platform", "", "device platform (required): "+platformList())
	configFile := fs.String("config-file", "", "path to captured running-config text; defaults to stdin")
	versionFile := fs.String("version-file", "", "path to captured show-version text, for hardware classification")
	taxonomyDir := fs.String("taxonomy-dir", "", "override the embedded default taxonomy with platform JSON files from this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := matchd.Platform(*platform)
	if !p.Valid() {
		return fmt.Errorf("invalid or missing -platform %q, want one of %s", *platform, platformList())
	}

	configText, err := readInput(*configFile, stdin)
	if err != nil {
		return fmt.Errorf("reading config text: %w", err)
	}

	var hw *string
	if *versionFile != "" {
		versionText, err := readInput(*versionFile, nil)
		if err != nil {
			return fmt.Errorf("reading version text: %w", err)
		}
		hw = hardware.ClassifyShowVersion(versionText)
	}

	tax, err := loadTaxonomy(*taxonomyDir)
	if err != nil {
		return fmt.Errorf("loading taxonomy: %w", err)
	}

	snap := extractor.New(tax).Extract(p, configText, hw)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func loadTaxonomy(dir string) (*taxonomy.Store, error) {
	if dir != "" {
		return taxonomy.LoadDir(dir)
	}
	return taxonomy.LoadDefault()
}

func readInput(path string, stdin io.Reader) (string, error) {
	if path == "" {
		if stdin == nil {
			return "", fmt.Errorf("no file given and no stdin available")
		}
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func platformList() string {
	s := ""
	for i, p := range matchd.Platforms {
		if i > 0 {
			s += ", "
		}
		s += string(p)
	}
	return s
}
