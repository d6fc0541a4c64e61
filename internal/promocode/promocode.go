// Package promocode issues batches of unique single-use coupon codes cloned
// from a template promotion.
package promocode

import (
	"bufio"
	"context"
	"crypto/rand"
	"io"
	"os"
	"slices"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/promo-engine/internal/domain/promotion"
)

// Alphabet excludes 0, 1, I and O so codes survive being read aloud. Its
// length divides 256, which keeps byte-to-symbol mapping unbiased.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	defaultFPR  = 0.0001
	maxAttempts = 64
)

// ErrExhausted is returned when no unused code could be drawn.
var ErrExhausted = errors.New("code space exhausted")

// Generator draws random codes and never returns the same code twice.
//
// Codes already drawn or reserved are tracked in a bloom filter. A false
// positive only costs a redraw, so the filter never lets a duplicate through.
type Generator struct {
	prefix string
	length int
	rand   io.Reader
	filter *bloom.BloomFilter
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand replaces crypto/rand as the randomness source.
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// NewGenerator returns a Generator for codes of prefix followed by length
// random symbols, sized for capacity codes.
func NewGenerator(prefix string, length int, capacity uint, opts ...Option) (*Generator, error) {
	if length < 4 {
		return nil, errors.Errorf("code length %d is too short", length)
	}
	if capacity == 0 {
		capacity = 1
	}
	g := &Generator{
		prefix: promotion.NormalizeCode(prefix),
		length: length,
		rand:   rand.Reader,
		filter: bloom.NewWithEstimates(capacity, defaultFPR),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Reserve marks code as taken so Next never returns it.
func (g *Generator) Reserve(code string) {
	g.filter.AddString(promotion.NormalizeCode(code))
}

// Next returns a fresh code.
func (g *Generator) Next() (string, error) {
	buf := make([]byte, g.length)
	for range maxAttempts {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", errors.Wrap(err, "read random")
		}
		for i, b := range buf {
			buf[i] = Alphabet[int(b)%len(Alphabet)]
		}
		code := g.prefix + string(buf)
		if !g.filter.TestOrAddString(code) {
			return code, nil
		}
	}
	return "", ErrExhausted
}

// Clone derives a coupon promotion from template carrying code. The copy gets
// a new id, a fresh usage counter and the given global usage limit.
func Clone(template promotion.Promotion, code string, usageLimit int) promotion.Promotion {
	p := template
	p.ID = uuid.NewString()
	p.CouponCode = code
	p.ApplicableIDs = slices.Clone(template.ApplicableIDs)
	p.UsageLimit = &usageLimit
	p.UsageCount = 0
	if template.UserLimit != nil {
		limit := *template.UserLimit
		p.UserLimit = &limit
	}
	p.CreatedAt = time.Time{}
	return p
}

// ReadManifest streams a gzip manifest, calling fn for every non-empty line.
func ReadManifest(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// ManifestWriter appends issued codes to a gzip file, one per line.
type ManifestWriter struct {
	f   *os.File
	gz  *pgzip.Writer
	buf *bufio.Writer
}

// CreateManifest truncates or creates path.
func CreateManifest(path string) (*ManifestWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	gz := pgzip.NewWriter(f)
	return &ManifestWriter{f: f, gz: gz, buf: bufio.NewWriter(gz)}, nil
}

// Write appends code.
func (w *ManifestWriter) Write(code string) error {
	if _, err := w.buf.WriteString(code); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

// Close flushes and closes the manifest.
func (w *ManifestWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "flush manifest")
	}
	if err := w.gz.Close(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "close gzip writer")
	}
	return w.f.Close()
}
