package export

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// Format selects the encoder applied to a report.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatPDF  Format = "pdf"
)

// Compression names the optional post-encoding compression stage.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZip  Compression = "zip"
)

// Options configure a single export. Zero values fall back to the encoder's
// configuration: an empty Format uses export.default_format, an empty
// Compression uses export.compression, and encryption applies when either
// the option or export.encryption.enabled asks for it.
type Options struct {
	Format Format

	// OmitMetadata drops the metadata block: the JSON/XML metadata element
	// and the leading CSV comment lines.
	OmitMetadata bool

	// OmitIntegrity drops an embedded integrity report from the output.
	OmitIntegrity bool

	Compression Compression
	Encrypt     bool

	// VerifyIntegrity recomputes each event's integrity status at encode
	// time for the CSV status column; without it the column reads
	// UNVERIFIED. Always on for INTEGRITY reports.
	VerifyIntegrity bool

	// MaxPDFEvents caps the PDF event table; <= 0 uses export.max_pdf_events.
	MaxPDFEvents int
}

// RowError records one event the encoder had to skip.
type RowError struct {
	EventID uuid.UUID `json:"eventId"`
	Reason  string    `json:"reason"`
}

// EncryptionInfo describes how Result.Data was encrypted. The IV is also
// prefixed to the ciphertext so the artifact can be decrypted on its own.
type EncryptionInfo struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId,omitempty"`
	IV        string `json:"iv"`
}

// Result is the finished export artifact.
type Result struct {
	ExportID    uuid.UUID
	Format      Format
	ExportedAt  time.Time
	Options     Options
	Data        []byte
	ContentType string
	Filename    string
	Size        int
	Checksum    string // SHA-256 over the final bytes
	Compression Compression
	Encryption  *EncryptionInfo
	RowErrors   []RowError
}

// Encoder turns compliance reports into downloadable artifacts: a format
// encoding, optional compression, optional authenticated encryption, and a
// checksum over whatever the caller ends up holding.
type Encoder struct {
	cfg       config.ExportConfig
	key       []byte
	integrity *audit.IntegrityService
	logger    *zap.Logger
}

// NewEncoder wires the encoder. encryptionKey is the security.encryption_key
// secret; it is hashed down to the AES-256 key size and must be present when
// export.encryption.enabled is set.
func NewEncoder(cfg config.ExportConfig, encryptionKey string, logger *zap.Logger) (*Encoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Encoder{
		cfg:       cfg,
		integrity: audit.NewIntegrityService(),
		logger:    logger.Named("export"),
	}
	if encryptionKey != "" {
		key := sha256.Sum256([]byte(encryptionKey))
		e.key = key[:]
	}
	if cfg.Encryption.Enabled && e.key == nil {
		return nil, errors.NewConfigError("security.encryption_key",
			"export encryption is enabled but no encryption key is configured")
	}
	return e, nil
}

// Export encodes the report and runs it through the post-encoding pipeline.
// Events that cannot be encoded are skipped and surfaced in Result.RowErrors
// rather than failing the export.
func (e *Encoder) Export(ctx context.Context, report *audit.ComplianceReport, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if report == nil {
		return nil, errors.NewValidationError("MISSING_REPORT", "report is required")
	}

	opts = e.withDefaults(report, opts)
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if opts.Encrypt && e.key == nil {
		return nil, errors.NewConfigError("security.encryption_key",
			"export requested encryption but no encryption key is configured")
	}

	data, rowErrors, err := e.encode(report, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ExportID:    uuid.New(),
		Format:      opts.Format,
		ExportedAt:  time.Now().UTC(),
		Options:     opts,
		ContentType: contentTypeFor(opts.Format),
		Filename:    fmt.Sprintf("audit-report-%s.%s", report.Metadata.ReportID, extensionFor(opts.Format)),
		RowErrors:   rowErrors,
	}

	if data, err = e.compress(data, result, opts.Compression); err != nil {
		return nil, err
	}
	if opts.Encrypt {
		if data, err = e.encrypt(data, result); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(data)
	result.Data = data
	result.Size = len(data)
	result.Checksum = hex.EncodeToString(sum[:])

	e.logger.Info("report exported",
		zap.String("export_id", result.ExportID.String()),
		zap.String("report_id", report.Metadata.ReportID.String()),
		zap.String("format", string(result.Format)),
		zap.String("filename", result.Filename),
		zap.Int("size_bytes", result.Size),
		zap.Int("skipped_rows", len(result.RowErrors)),
	)
	return result, nil
}

// Decrypt reverses Export's encryption stage; the IV is read back from the
// ciphertext prefix.
func (e *Encoder) Decrypt(data []byte) ([]byte, error) {
	if e.key == nil {
		return nil, errors.NewConfigError("security.encryption_key",
			"no encryption key is configured")
	}
	gcm, err := e.cipher()
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.NewValidationError("INVALID_CIPHERTEXT",
			"data is shorter than the encryption nonce")
	}
	plain, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], nil)
	if err != nil {
		return nil, errors.NewValidationError("DECRYPTION_FAILED",
			"ciphertext failed authentication").WithCause(err)
	}
	return plain, nil
}

func (e *Encoder) withDefaults(report *audit.ComplianceReport, opts Options) Options {
	if opts.Format == "" {
		opts.Format = Format(e.cfg.DefaultFormat)
	}
	if opts.Compression == "" {
		opts.Compression = Compression(e.cfg.Compression)
	}
	if e.cfg.Encryption.Enabled {
		opts.Encrypt = true
	}
	if report.Metadata.ReportType == audit.ReportTypeIntegrity {
		opts.VerifyIntegrity = true
	}
	if opts.MaxPDFEvents <= 0 {
		opts.MaxPDFEvents = e.cfg.MaxPDFEvents
	}
	if opts.MaxPDFEvents <= 0 {
		opts.MaxPDFEvents = 100
	}
	return opts
}

func validateOptions(opts Options) error {
	switch opts.Format {
	case FormatJSON, FormatCSV, FormatXML, FormatPDF:
	default:
		return errors.NewValidationError("INVALID_FORMAT", "unsupported export format")
	}
	switch opts.Compression {
	case "", CompressionGzip, CompressionZip:
	default:
		return errors.NewValidationError("INVALID_COMPRESSION", "unsupported compression")
	}
	return nil
}

func (e *Encoder) encode(report *audit.ComplianceReport, opts Options) ([]byte, []RowError, error) {
	switch opts.Format {
	case FormatJSON:
		return e.encodeJSON(report, opts)
	case FormatCSV:
		return e.encodeCSV(report, opts)
	case FormatXML:
		return e.encodeXML(report, opts)
	case FormatPDF:
		return e.encodePDF(report, opts)
	default:
		return nil, nil, errors.NewValidationError("INVALID_FORMAT", "unsupported export format")
	}
}

func (e *Encoder) compress(data []byte, result *Result, compression Compression) ([]byte, error) {
	switch compression {
	case "":
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Name = result.Filename
		if _, err := zw.Write(data); err != nil {
			return nil, errors.NewExportError(string(result.Format), "gzip compression failed").WithCause(err)
		}
		if err := zw.Close(); err != nil {
			return nil, errors.NewExportError(string(result.Format), "gzip compression failed").WithCause(err)
		}
		result.Filename += ".gz"
		result.ContentType = "application/gzip"
		result.Compression = CompressionGzip
		return buf.Bytes(), nil
	case CompressionZip:
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     result.Filename,
			Method:   zip.Deflate,
			Modified: result.ExportedAt,
		})
		if err == nil {
			_, err = entry.Write(data)
		}
		if err == nil {
			err = zw.Close()
		}
		if err != nil {
			return nil, errors.NewExportError(string(result.Format), "zip compression failed").WithCause(err)
		}
		result.Filename += ".zip"
		result.ContentType = "application/zip"
		result.Compression = CompressionZip
		return buf.Bytes(), nil
	default:
		return nil, errors.NewValidationError("INVALID_COMPRESSION", "unsupported compression")
	}
}

func (e *Encoder) encrypt(data []byte, result *Result) ([]byte, error) {
	gcm, err := e.cipher()
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.NewInternalError("failed to generate encryption nonce").WithCause(err)
	}

	sealed := gcm.Seal(iv, iv, data, nil)
	result.Filename += ".enc"
	result.ContentType = "application/octet-stream"
	result.Encryption = &EncryptionInfo{
		Algorithm: "AES-256-GCM",
		KeyID:     e.cfg.Encryption.KeyID,
		IV:        hex.EncodeToString(iv),
	}
	return sealed, nil
}

func (e *Encoder) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, errors.NewInternalError("failed to initialize cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternalError("failed to initialize cipher").WithCause(err)
	}
	return gcm, nil
}

// skipRow logs and records one unencodable event so callers see exactly what
// the artifact is missing.
func (e *Encoder) skipRow(event *audit.Event, format Format, cause error) RowError {
	err := errors.NewExportError(string(format), "failed to encode event").WithCause(cause)
	e.logger.Warn("skipping unencodable event",
		zap.String("event_id", event.ID.String()),
		zap.String("format", string(format)),
		zap.Error(err),
	)
	return RowError{EventID: event.ID, Reason: err.Error()}
}

func contentTypeFor(format Format) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	default:
		return "application/pdf"
	}
}

func extensionFor(format Format) string {
	return string(format)
}
