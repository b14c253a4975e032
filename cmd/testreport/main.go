// Command testreport merges `go test -json` output with the annotation
// headers of the test functions and writes JSON and Markdown reports.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var errTestsFailed = errors.New("tests failed")

type options struct {
	root    string
	input   string
	outJSON string
	outMD   string
	title   string
	include []string
	exclude []string
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "testreport",
		Short:        "Render annotated test reports from go test -json output",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := run(o, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tests: %d passed, %d failed, %d skipped, %d not run\n",
				s.Total, s.Passed, s.Failed, s.Skipped, s.NotRun)
			if s.Failed > 0 {
				return errTestsFailed
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.root, "root", ".", "module root to scan for test annotations")
	f.StringVar(&o.input, "input", "", "go test -json output file")
	f.StringVar(&o.outJSON, "out-json", "", "JSON report path")
	f.StringVar(&o.outMD, "out-md", "", "Markdown report path")
	f.StringVar(&o.title, "title", "RealmKeeper Test Report", "report title")
	f.StringSliceVar(&o.include, "area", nil, "only include these areas")
	f.StringSliceVar(&o.exclude, "exclude-area", nil, "exclude these areas")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func run(o options, now time.Time) (Summary, error) {
	annotations, err := ScanAnnotations(o.root)
	if err != nil {
		return Summary{}, fmt.Errorf("scan annotations: %w", err)
	}

	in, err := os.Open(o.input)
	if err != nil {
		return Summary{}, err
	}
	defer in.Close()

	results, err := MergeResults(in, annotations)
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", o.input, err)
	}
	s := Summarize(FilterAreas(results, o.include, o.exclude), now)

	if o.outJSON != "" {
		if err := writeFile(o.outJSON, func(f *os.File) error { return WriteJSON(f, s) }); err != nil {
			return s, err
		}
	}
	if o.outMD != "" {
		if err := writeFile(o.outMD, func(f *os.File) error { return WriteMarkdown(f, s, o.title) }); err != nil {
			return s, err
		}
	}
	return s, nil
}

func writeFile(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
