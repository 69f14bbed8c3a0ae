package cmd

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-backup/filter"
	"github.com/dhcgn/mail-backup/mbox"
	"github.com/dhcgn/mail-backup/model"
	"github.com/dhcgn/mail-backup/naming"
	"github.com/dhcgn/mail-backup/stats"
)

var trackedHeaders = []string{"Folder", "Subject", "From", "To"}

func newEmlStatsCmd() *cobra.Command {
	var (
		reportDir      string
		topN           int
		includeSubject []string
		includeFrom    []string
		excludeSubject []string
		excludeFrom    []string
	)

	c := &cobra.Command{
		Use:   "eml-stats [dir or mbox file]",
		Short: "Analyse an export directory (or an mbox mirror) and show statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			out := cmd.OutOrStdout()

			f, err := filter.New(filter.Options{
				IncludeSubject: includeSubject,
				IncludeFrom:    includeFrom,
				ExcludeSubject: excludeSubject,
				ExcludeFrom:    excludeFrom,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			info, err := os.Stat(root)
			if err != nil {
				return err
			}

			counter := newEmlCounter(f)
			refresh := func(counted bool) {
				if counted && counter.processed%250 == 0 {
					// ANSI escape code to clear screen and move cursor to top-left
					fmt.Fprint(out, "\033[H\033[2J")
					counter.print(out, topN)
				}
			}

			if info.IsDir() {
				fmt.Fprintln(out, "Analyzing export directory:", root)
				err = walkEml(root, func(folder string, h mail.Header) error {
					refresh(counter.add(folder, h))
					return nil
				}, func(path string, err error) {
					counter.unreadable++
				})
			} else {
				fmt.Fprintln(out, "Analyzing mbox file:", root)
				err = mbox.Read(root, func(m *mbox.MboxMessage) error {
					refresh(counter.add(filepath.Base(root), headerFromMap(m.Headers)))
					return nil
				})
			}
			if err != nil {
				return fmt.Errorf("error reading %s: %w", root, err)
			}

			fmt.Fprint(out, "\033[H\033[2J")
			counter.print(out, topN)

			if err := writeReports(reportDir, counter, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}

			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	c.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	c.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	c.Flags().StringArrayVar(&includeSubject, "include-subject", nil, "Regex allow-list applied to subjects (mutually exclusive with exclude flags)")
	c.Flags().StringArrayVar(&includeFrom, "include-from", nil, "Regex allow-list applied to senders (mutually exclusive with exclude flags)")
	c.Flags().StringArrayVar(&excludeSubject, "exclude-subject", nil, "Regex block-list applied to subjects (mutually exclusive with include flags)")
	c.Flags().StringArrayVar(&excludeFrom, "exclude-from", nil, "Regex block-list applied to senders (mutually exclusive with include flags)")
	return c
}

type emlCounter struct {
	filter     *filter.Filter
	counts     map[string]map[string]int
	processed  int
	skipped    int
	unreadable int
}

func newEmlCounter(f *filter.Filter) *emlCounter {
	counts := make(map[string]map[string]int, len(trackedHeaders))
	for _, h := range trackedHeaders {
		counts[h] = make(map[string]int)
	}
	return &emlCounter{filter: f, counts: counts}
}

// add counts one message and reports whether it passed the filter.
func (c *emlCounter) add(folder string, h mail.Header) bool {
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	from := firstAddress(h, "From")

	if !c.filter.Allows(model.Message{Subject: subject, From: from}) {
		c.skipped++
		return false
	}

	c.processed++
	c.counts["Folder"][folder]++
	if subject != "" {
		c.counts["Subject"][subject]++
	}
	if s := from.String(); s != "" {
		c.counts["From"][s]++
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			c.counts["To"][model.Sender{Name: addr.Name, Address: addr.Address}.String()]++
		}
	}
	return true
}

func (c *emlCounter) print(w io.Writer, topN int) {
	total := c.processed + c.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(c.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)...\n", c.processed, c.skipped, filterPercent)
	if c.unreadable > 0 {
		fmt.Fprintf(w, "Unreadable files: %d\n", c.unreadable)
	}
	fmt.Fprintln(w)

	if filterStats := c.filter.GetStats(); len(filterStats.Patterns) > 0 {
		fmt.Fprintln(w, "Filters:")
		printFilterHits(w, filterStats.Patterns, filterStats.Hits)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, header := range trackedHeaders {
		fmt.Fprintf(w, "Top %d %s:\n", topN, header)
		stats.PrettyPrintTop(w, c.counts[header], topN)
		fmt.Fprintln(w)
	}
}

// walkEml parses the header of every .eml file below root. The folder passed
// to fn is the file's directory relative to root.
func walkEml(root string, fn func(folder string, h mail.Header) error, onError func(path string, err error)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), naming.Extension) {
			return nil
		}

		h, err := readEmlHeader(path)
		if err != nil {
			onError(path, err)
			return nil
		}

		folder, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			folder = filepath.Dir(path)
		}
		return fn(filepath.ToSlash(folder), h)
	})
}

func readEmlHeader(path string) (mail.Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return mail.Header{}, err
	}
	defer file.Close()

	h, err := textproto.ReadHeader(bufio.NewReader(file))
	if err != nil {
		return mail.Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return mail.Header{Header: message.Header{Header: h}}, nil
}

func headerFromMap(m map[string][]string) mail.Header {
	var h textproto.Header
	for key, values := range m {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	return mail.Header{Header: message.Header{Header: h}}
}

func firstAddress(h mail.Header, key string) model.Sender {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return model.Sender{Address: strings.TrimSpace(h.Get(key))}
	}
	return model.Sender{Name: list[0].Name, Address: list[0].Address}
}

// writeReports saves one CSV per tracked header into dir. The folder report
// lists export folders in the order they were filled; the others list the
// most frequent values first.
func writeReports(dir string, counter *emlCounter, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range trackedHeaders {
		report := filepath.Join(dir, "report_"+strings.ToLower(header)+".csv")
		if header == "Folder" {
			if err := writeCSV(report, []string{"Folder", "Messages", "Share"}, folderRows(counter.counts[header], counter.processed)); err != nil {
				return err
			}
			continue
		}

		var rows [][]string
		for _, c := range stats.TopCounts(counter.counts[header], limit) {
			rows = append(rows, []string{c.Key, strconv.Itoa(c.N)})
		}
		if err := writeCSV(report, []string{"Value", "Count"}, rows); err != nil {
			return err
		}
	}
	return nil
}

// folderRows orders numbered export folders by number; anything else, such
// as an mbox file name, follows by name.
func folderRows(counts map[string]int, total int) [][]string {
	folders := make([]string, 0, len(counts))
	for name := range counts {
		folders = append(folders, name)
	}
	sort.Slice(folders, func(i, j int) bool {
		ni, iok := folderNumber(folders[i])
		nj, jok := folderNumber(folders[j])
		switch {
		case iok && jok:
			return ni < nj
		case iok != jok:
			return iok
		}
		return folders[i] < folders[j]
	})

	rows := make([][]string, 0, len(folders))
	for _, name := range folders {
		n := counts[name]
		var share float64
		if total > 0 {
			share = float64(n) / float64(total) * 100
		}
		rows = append(rows, []string{name, strconv.Itoa(n), strconv.FormatFloat(share, 'f', 1, 64) + "%"})
	}
	return rows
}

func folderNumber(folder string) (int, bool) {
	suffix, ok := strings.CutPrefix(path.Base(folder), naming.DefaultFolderPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	return n, err == nil
}

func writeCSV(name string, header []string, rows [][]string) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}

	w := csv.NewWriter(file)
	_ = w.Write(header)
	_ = w.WriteAll(rows)
	if err := w.Error(); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return file.Close()
}

func printFilterHits(w io.Writer, patterns []string, hits map[string]int) {
	byPattern := make(map[string]int, len(patterns))
	for _, pattern := range patterns {
		byPattern[pattern] = hits[pattern]
	}

	for _, c := range stats.TopCounts(byPattern, 0) {
		if c.N > 0 {
			fmt.Fprintf(w, "  ✓ %s: %d hits\n", c.Key, c.N)
		} else {
			fmt.Fprintf(w, "  ✗ %s: 0 hits\n", c.Key)
		}
	}
}
