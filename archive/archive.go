// Package archive saves the XML of newly seen invoices, and the UPO of sales
// invoices, to a local directory.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDir is the container location for saved artifacts.
const DefaultDir = "/data/invoices"

// DocumentAPI downloads invoice artifacts.
type DocumentAPI interface {
	InvoiceXML(ctx context.Context, accessToken, ksefNumber string) (*ksef.Document, error)
	InvoiceUPO(ctx context.Context, accessToken, ksefNumber string) (*ksef.Document, error)
}

// Caller runs an authenticated call, recovering the session once on 401.
type Caller interface {
	Call(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error
}

var _ DocumentAPI = (*ksef.Client)(nil)
var _ notify.Trigger = (*Archiver)(nil)

type Archiver struct {
	api   DocumentAPI
	creds Caller
	dir   string
	log   zerolog.Logger
}

type Option func(*Archiver)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Archiver) {
		a.log = l
	}
}

func New(api DocumentAPI, creds Caller, dir string, options ...Option) *Archiver {
	if dir == "" {
		dir = DefaultDir
	}
	a := &Archiver{api: api, creds: creds, dir: dir, log: log.Logger}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Result lists the files written for one invoice.
type Result struct {
	XMLPath string
	UPOPath string // empty when no UPO was saved
}

// Prefix is "sprz" for sales (Subject1) and "zak" for everything else.
func Prefix(category ksef.SubjectType) string {
	if category == ksef.Subject1 {
		return "sprz"
	}
	return "zak"
}

// FormatDate renders an API date as YYYYMMDD.
func FormatDate(s string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("20060102")
		}
	}
	stripped := strings.NewReplacer("-", "", ":", "", "T", "").Replace(s)
	return utils.Truncate(stripped, 8)
}

// BaseName is the file name without extension used for an invoice's artifacts.
func BaseName(inv ksef.InvoiceMetadata, category ksef.SubjectType) string {
	safe := strings.NewReplacer("/", "_", `\`, "_").Replace(inv.KsefNumber)
	return fmt.Sprintf("%s_%s_%s", Prefix(category), safe, FormatDate(inv.IssueDate))
}

// ResolvePath joins name onto dir and refuses anything that would land outside dir.
func ResolvePath(dir, name string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("[ResolvePath] resolve %s: %w", dir, err)
	}
	p := filepath.Join(root, name)
	if !strings.HasPrefix(p, root+string(os.PathSeparator)) {
		return "", errors.Wrapf(errors.ErrInvalidPath, "[ResolvePath] %q escapes %s", name, root)
	}
	return p, nil
}

// Save downloads and stores the invoice XML and, for sales invoices, the UPO.
// A UPO that is not available yet is not an error.
func (a *Archiver) Save(ctx context.Context, inv ksef.InvoiceMetadata, category ksef.SubjectType) (*Result, error) {
	if inv.KsefNumber == "" {
		return nil, fmt.Errorf("[Archiver Save] invoice has no KSeF number")
	}
	base := BaseName(inv, category)
	if _, err := ResolvePath(a.dir, base+".tmp"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("[Archiver Save] create %s: %w", a.dir, err)
	}

	var doc *ksef.Document
	err := a.creds.Call(ctx, func(ctx context.Context, accessToken string) error {
		var err error
		doc, err = a.api.InvoiceXML(ctx, accessToken, inv.KsefNumber)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "[Archiver Save] fetch XML")
	}

	res := &Result{}
	res.XMLPath, err = a.write(base+".xml", doc.Content)
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("path", res.XMLPath).Msg("invoice XML saved")

	if category != ksef.Subject1 {
		return res, nil
	}

	var upo *ksef.Document
	err = a.creds.Call(ctx, func(ctx context.Context, accessToken string) error {
		var err error
		upo, err = a.api.InvoiceUPO(ctx, accessToken, inv.KsefNumber)
		return err
	})
	if err != nil {
		return res, errors.Wrapf(err, "[Archiver Save] fetch UPO")
	}
	if upo == nil {
		a.log.Info().Str("ksef_number", utils.OneLine(inv.KsefNumber)).Msg("no UPO available yet")
		return res, nil
	}
	res.UPOPath, err = a.write("UPO_"+base+".xml", upo.Content)
	if err != nil {
		return res, err
	}
	a.log.Info().Str("path", res.UPOPath).Msg("UPO saved")
	return res, nil
}

func (a *Archiver) write(name string, content []byte) (string, error) {
	p, err := ResolvePath(a.dir, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return "", fmt.Errorf("[Archiver] write %s: %w", p, err)
	}
	return p, nil
}

// OnNewInvoice saves the artifacts and logs any failure.
func (a *Archiver) OnNewInvoice(ctx context.Context, inv ksef.InvoiceMetadata, category ksef.SubjectType) {
	if _, err := a.Save(ctx, inv, category); err != nil {
		a.log.Error().Err(err).
			Str("category", string(category)).
			Str("ksef_number", utils.OneLine(inv.KsefNumber)).
			Str("step", "archive").
			Msg("failed to save invoice artifacts")
	}
}
