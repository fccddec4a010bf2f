// Package report renders run results as plain text.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/inat-orders/pkg/aggregate"
	"github.com/Sternrassler/inat-orders/pkg/engine"
	"github.com/Sternrassler/inat-orders/pkg/taxon"
)

// Formatter selects what Write prints.
type Formatter struct {
	Family        bool
	Users         bool
	CountAPICalls bool
}

// Write prints one line per record, the API call count when requested, and
// the summary tables when the run covered more than one identifier.
func (f Formatter) Write(w io.Writer, result *engine.Result) error {
	p := &printer{w: bufio.NewWriter(w)}

	for _, rec := range result.Records {
		p.println(f.line(rec))
	}

	if f.CountAPICalls {
		p.printf("\nTotal API calls made: %d\n", result.APICalls)
	}

	if len(result.Records)+len(result.Pending) > 1 {
		if f.Users {
			f.users(p, result.Tables)
		} else {
			f.orders(p, result.Tables)
		}
	}

	if p.err != nil {
		return fmt.Errorf("write report: %w", p.err)
	}
	if err := p.w.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func (f Formatter) line(rec engine.Record) string {
	switch {
	case rec.Status == taxon.StatusError, f.Users && rec.Status != taxon.StatusOK:
		return fmt.Sprintf("%d: Error - %s", rec.ID, rec.Detail)
	case f.Users:
		return fmt.Sprintf("%d: %s: %s", rec.ID, rec.UserDisplayName, rec.Username)
	case rec.Status == taxon.StatusUnknown:
		if rec.Taxon != nil && rec.Taxon.Name != "" && rec.Taxon.Rank != "" {
			return fmt.Sprintf("%d: %s: %s", rec.ID, capitalize(string(rec.Taxon.Rank)), rec.Taxon.Name)
		}
		return fmt.Sprintf("%d: Error - %s", rec.ID, rec.Detail)
	case f.Family:
		family := rec.Family
		if family == "" {
			family = "Unknown"
		}
		return fmt.Sprintf("%d: Order: %s Family: %s", rec.ID, rec.Order, family)
	default:
		return fmt.Sprintf("%d: %s", rec.ID, rec.Order)
	}
}

func (f Formatter) users(p *printer, t aggregate.Tables) {
	p.println("\nSummary by User:")
	for _, u := range t.UserSummary() {
		p.printf("%6d  %s (%s)\n", u.Count, u.DisplayName, u.Login)
	}
}

func (f Formatter) orders(p *printer, t aggregate.Tables) {
	p.println("\nSummary by Order:")
	for _, c := range t.OrderSummary() {
		p.printf("%6d  %s\n", c.Count, c.Name)
	}
	if t.Unknown > 0 {
		p.printf("%6d  %s\n", t.Unknown, aggregate.UnknownOrder)
	}

	if !f.Family {
		return
	}
	for _, g := range t.FamilySummary() {
		p.printf("\nFamilies within %s:\n", g.Order)
		for _, c := range g.Families {
			p.printf("%6d  %s\n", c.Count, c.Name)
		}
		if g.Unknown > 0 {
			p.printf("%6d  Unknown family\n", g.Unknown)
		}
	}
	if t.UnknownFamilyUnknownOrder > 0 {
		p.printf("\nUnknown families within unknown orders: %d\n", t.UnknownFamilyUnknownOrder)
	}
}

// WriteFailedIDs writes the identifiers worth retrying, one per line: Error
// records first, then pending identifiers, both in input order.
func WriteFailedIDs(w io.Writer, result *engine.Result) error {
	p := &printer{w: bufio.NewWriter(w)}
	for _, id := range result.Failed() {
		p.printf("%d\n", id)
	}
	for _, id := range result.Pending {
		p.printf("%d\n", id)
	}
	if p.err != nil {
		return p.err
	}
	return p.w.Flush()
}

// WriteFailedIDsFile writes WriteFailedIDs output to path.
func WriteFailedIDsFile(path string, result *engine.Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create failed-ids file: %w", err)
	}
	if err := WriteFailedIDs(file, result); err != nil {
		file.Close()
		return fmt.Errorf("write failed-ids file: %w", err)
	}
	return file.Close()
}

// printer keeps the first write error.
type printer struct {
	w   *bufio.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}

func (p *printer) println(s string) {
	if p.err == nil {
		_, p.err = fmt.Fprintln(p.w, s)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
