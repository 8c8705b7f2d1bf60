package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
	progressEvery = 100_000
)

// Catalog CSV columns. The header row is required and columns may appear in
// any order; price, currency, num_in_stock and the seat attributes are
// optional.
const (
	colSKU             = "sku"
	colTitle           = "title"
	colClass           = "class"
	colPrice           = "price"
	colCurrency        = "currency"
	colNumInStock      = "num_in_stock"
	colCourseKey       = product.AttrCourseKey
	colCertificateType = product.AttrCertificateType
)

// fileProducts holds the products parsed from one file and the SKUs that
// may also appear in another file.
type fileProducts struct {
	products   []*product.Product
	candidates map[string]uint
}

// record maps header names to the fields of one CSV row.
type record map[string]string

func parseProduct(rec record, defaultCurrency string) (*product.Product, error) {
	sku := strings.TrimSpace(rec[colSKU])
	if sku == "" {
		return nil, errors.New("empty sku")
	}
	p := &product.Product{
		SKU:      sku,
		Title:    strings.TrimSpace(rec[colTitle]),
		Class:    strings.TrimSpace(rec[colClass]),
		Currency: strings.ToUpper(strings.TrimSpace(rec[colCurrency])),
	}
	if p.Class == "" {
		p.Class = product.ClassSeat
	}
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	if v := strings.TrimSpace(rec[colPrice]); v != "" {
		price, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.Wrapf(err, "sku %s: parse price", sku)
		}
		if price.IsNegative() {
			return nil, errors.Errorf("sku %s: negative price %s", sku, v)
		}
		p.Price = &price
	}
	if v := strings.TrimSpace(rec[colNumInStock]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "sku %s: parse num_in_stock", sku)
		}
		p.NumInStock = &n
	}
	for _, attr := range []string{colCourseKey, colCertificateType} {
		if v := strings.TrimSpace(rec[attr]); v != "" {
			if p.Attributes == nil {
				p.Attributes = make(map[string]string)
			}
			p.Attributes[attr] = v
		}
	}
	return p, nil
}

// streamCatalog opens a gzip-compressed CSV file and calls fn for each row.
func streamCatalog(ctx context.Context, path string, fn func(line int, rec record) error) error {
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

	r := csv.NewReader(gz)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return errors.Wrapf(err, "read header of %s", path)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		rec := make(record, len(header))
		for i, name := range header {
			if i < len(fields) {
				rec[name] = fields[i]
			}
		}
		if err := fn(line, rec); err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
	}
}

// buildFilters creates one bloom filter of SKUs per file, concurrently.
func buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
			var count int
			err := streamCatalog(ctx, path, func(_ int, rec record) error {
				if sku := strings.TrimSpace(rec[colSKU]); sku != "" {
					filter.AddString(sku)
					count++
					if count%progressEvery == 0 {
						slog.Info("pass 1 progress", slog.String("file", path), slog.Int("rows", count))
					}
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Int("rows", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// parseFiles parses every file concurrently. SKUs that hit another file's
// filter are recorded as candidates with the bit of their own file.
func parseFiles(ctx context.Context, files []string, filters []*bloom.BloomFilter, currency string) ([]fileProducts, error) {
	results := make([]fileProducts, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res := fileProducts{candidates: make(map[string]uint)}
			bySKU := make(map[string]int)
			fileBit := uint(1) << uint(i)

			err := streamCatalog(ctx, path, func(_ int, rec record) error {
				p, err := parseProduct(rec, currency)
				if err != nil {
					return err
				}
				// Later rows of the same file win.
				if idx, ok := bySKU[p.SKU]; ok {
					res.products[idx] = p
				} else {
					bySKU[p.SKU] = len(res.products)
					res.products = append(res.products, p)
				}
				for j, f := range filters {
					if j != i && f.TestString(p.SKU) {
						res.candidates[p.SKU] |= fileBit
						break
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			slog.Info("pass 2 complete",
				slog.String("file", path),
				slog.Int("products", len(res.products)),
				slog.Int("candidates", len(res.candidates)),
			)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// duplicateSKUs merges the candidate bitmasks and keeps SKUs that really
// occur in two or more files.
func duplicateSKUs(results []fileProducts) map[string]struct{} {
	merged := make(map[string]uint)
	for _, r := range results {
		for sku, mask := range r.candidates {
			merged[sku] |= mask
		}
	}
	dups := make(map[string]struct{})
	for sku, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			dups[sku] = struct{}{}
		}
	}
	return dups
}
