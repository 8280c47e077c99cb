package archive_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrsteele09/go-ksef-monitor/archive"
	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/token/tokenfake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKsefNumber = "1234567890-20240601-ABCDEF123456-7Z"

type stubDocuments struct {
	xml     map[string][]byte
	upo     map[string][]byte
	xmlErr  error
	upoErr  error
	tokens  []string
	upoHits int
}

func (s *stubDocuments) InvoiceXML(_ context.Context, accessToken, n string) (*ksef.Document, error) {
	s.tokens = append(s.tokens, accessToken)
	if s.xmlErr != nil {
		return nil, s.xmlErr
	}
	content, ok := s.xml[n]
	if !ok {
		return nil, errors.Transport("stub InvoiceXML", http.StatusNotFound, fmt.Errorf("missing"))
	}
	return &ksef.Document{KsefNumber: n, Content: content}, nil
}

func (s *stubDocuments) InvoiceUPO(_ context.Context, _, n string) (*ksef.Document, error) {
	s.upoHits++
	if s.upoErr != nil {
		return nil, s.upoErr
	}
	content, ok := s.upo[n]
	if !ok {
		return nil, nil
	}
	return &ksef.Document{KsefNumber: n, Content: content}, nil
}

func setupTestFixture(t *testing.T) (*archive.Archiver, *stubDocuments, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "invoices")
	docs := &stubDocuments{
		xml: map[string][]byte{testKsefNumber: []byte("<Faktura/>")},
		upo: map[string][]byte{},
	}
	return archive.New(docs, tokenfake.NewFakeCredentials("access-1"), dir, archive.WithLogger(zerolog.Nop())), docs, dir
}

func TestFormatDate(t *testing.T) {
	assert.Equal(t, "20240601", archive.FormatDate("2024-06-01"))
	assert.Equal(t, "20240601", archive.FormatDate("2024-06-01T23:10:00Z"))
	assert.Equal(t, "20240601", archive.FormatDate("2024-06-01T10:00:00.123+02:00"))
	assert.Equal(t, "20240601", archive.FormatDate("2024-06-01T10:00"))
	assert.Equal(t, "", archive.FormatDate(""))
}

func TestBaseName(t *testing.T) {
	inv := ksef.InvoiceMetadata{KsefNumber: testKsefNumber, IssueDate: "2024-06-01"}
	assert.Equal(t, "sprz_"+testKsefNumber+"_20240601", archive.BaseName(inv, ksef.Subject1))
	assert.Equal(t, "zak_"+testKsefNumber+"_20240601", archive.BaseName(inv, ksef.Subject2))

	inv.KsefNumber = `a/b\c`
	assert.Equal(t, "zak_a_b_c_20240601", archive.BaseName(inv, ksef.Subject3))
}

func TestSavePurchaseInvoiceWritesOnlyXML(t *testing.T) {
	a, docs, dir := setupTestFixture(t)

	res, err := a.Save(context.Background(), ksef.InvoiceMetadata{KsefNumber: testKsefNumber, IssueDate: "2024-06-01"}, ksef.Subject2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "zak_"+testKsefNumber+"_20240601.xml"), res.XMLPath)
	assert.Empty(t, res.UPOPath)
	assert.Zero(t, docs.upoHits)

	content, err := os.ReadFile(res.XMLPath)
	require.NoError(t, err)
	assert.Equal(t, "<Faktura/>", string(content))
	assert.Equal(t, []string{"access-1"}, docs.tokens)
}

func TestSaveSalesInvoiceWritesUPO(t *testing.T) {
	a, docs, dir := setupTestFixture(t)
	docs.upo[testKsefNumber] = []byte("<UPO/>")

	res, err := a.Save(context.Background(), ksef.InvoiceMetadata{KsefNumber: testKsefNumber, IssueDate: "2024-06-01"}, ksef.Subject1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "UPO_sprz_"+testKsefNumber+"_20240601.xml"), res.UPOPath)

	content, err := os.ReadFile(res.UPOPath)
	require.NoError(t, err)
	assert.Equal(t, "<UPO/>", string(content))
}

func TestSaveSalesInvoiceWithoutUPOYet(t *testing.T) {
	a, _, _ := setupTestFixture(t)

	res, err := a.Save(context.Background(), ksef.InvoiceMetadata{KsefNumber: testKsefNumber, IssueDate: "2024-06-01"}, ksef.Subject1)
	require.NoError(t, err)
	assert.NotEmpty(t, res.XMLPath)
	assert.Empty(t, res.UPOPath)
}

func TestSaveRejectsMissingNumberAndFetchFailures(t *testing.T) {
	a, docs, dir := setupTestFixture(t)

	_, err := a.Save(context.Background(), ksef.InvoiceMetadata{}, ksef.Subject2)
	require.Error(t, err)

	docs.xmlErr = errors.Transport("stub", http.StatusInternalServerError, fmt.Errorf("boom"))
	_, err = a.Save(context.Background(), ksef.InvoiceMetadata{KsefNumber: testKsefNumber}, ksef.Subject2)
	require.ErrorIs(t, err, errors.ErrTransport)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()

	p, err := archive.ResolvePath(dir, "zak_x_20240601.xml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "zak_x_20240601.xml"), p)

	_, err = archive.ResolvePath(dir, "../outside.xml")
	require.ErrorIs(t, err, errors.ErrInvalidPath)

	_, err = archive.ResolvePath(dir, "..")
	require.ErrorIs(t, err, errors.ErrInvalidPath)

	_, err = archive.ResolvePath(dir, "")
	require.ErrorIs(t, err, errors.ErrInvalidPath)
}

func TestOnNewInvoiceSwallowsFailures(t *testing.T) {
	a, docs, _ := setupTestFixture(t)
	docs.xmlErr = fmt.Errorf("network down")

	require.NotPanics(t, func() {
		a.OnNewInvoice(context.Background(), ksef.InvoiceMetadata{KsefNumber: testKsefNumber}, ksef.Subject1)
	})
}

func TestSaveWithoutCredentialsWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "invoices")
	creds := tokenfake.NewFakeCredentials("access-1")
	creds.Err = errors.CredentialExhausted("token", fmt.Errorf("refresh rejected"))
	docs := &stubDocuments{xml: map[string][]byte{testKsefNumber: []byte("<Faktura/>")}}
	a := archive.New(docs, creds, dir, archive.WithLogger(zerolog.Nop()))

	_, err := a.Save(context.Background(), ksef.InvoiceMetadata{KsefNumber: testKsefNumber}, ksef.Subject2)
	require.ErrorIs(t, err, errors.ErrCredentialExhausted)
	assert.Equal(t, 1, creds.Calls())
	assert.Empty(t, docs.tokens)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
