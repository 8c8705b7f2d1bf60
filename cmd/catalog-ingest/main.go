package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
)

const (
	filePattern = "catalog*.csv.gz"
	maxFiles    = 64
	writeEvery  = 500
)

func main() {
	var (
		dataDir     string
		databaseURL string
		currency    string
		dryRun      bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing catalogN.csv.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&currency, "currency", "USD", "currency for rows without one")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and validate files without writing to the database")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, strings.ToUpper(currency), dryRun); err != nil {
		slog.Error("catalog ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("catalog ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL, currency string, dryRun bool) error {
	files, err := catalogFiles(dataDir)
	if err != nil {
		return err
	}

	products, err := loadCatalog(ctx, files, currency)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		slog.Info("no products to write")
		return nil
	}
	if dryRun {
		slog.Info("dry run, skipping database write", slog.Int("products", len(products)))
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	db := postgres.New(pool)
	if err := writeProducts(ctx, db, products); err != nil {
		return errors.Wrap(err, "write products to database")
	}
	return nil
}

func catalogFiles(dataDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, filePattern))
	if err != nil {
		return nil, errors.Wrap(err, "list catalog files")
	}
	switch {
	case len(files) == 0:
		return nil, errors.Errorf("no %s files in %s", filePattern, dataDir)
	case len(files) > maxFiles:
		return nil, errors.Errorf("too many catalog files: %d > %d", len(files), maxFiles)
	}
	sort.Strings(files)
	return files, nil
}

// loadCatalog parses all files and drops SKUs listed in more than one file,
// since there is no rule to pick a winner between them.
func loadCatalog(ctx context.Context, files []string, currency string) ([]*product.Product, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := buildFilters(ctx, files)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: parsing products")
	results, err := parseFiles(ctx, files, filters, currency)
	if err != nil {
		return nil, errors.Wrap(err, "parse products")
	}

	dups := duplicateSKUs(results)
	for sku := range dups {
		slog.Warn("skipping sku listed in several files", slog.String("sku", sku))
	}

	var products []*product.Product
	for _, r := range results {
		for _, p := range r.products {
			if _, ok := dups[p.SKU]; ok {
				continue
			}
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].SKU < products[j].SKU })

	slog.Info("catalog loaded", slog.Int("products", len(products)), slog.Int("duplicates", len(dups)))
	return products, nil
}

// writeProducts upserts products in batches, one transaction per batch.
func writeProducts(ctx context.Context, db *postgres.DB, products []*product.Product) error {
	repo := postgres.NewProductRepository(db)

	existing, err := repo.ListSKUs(ctx)
	if err != nil {
		return errors.Wrap(err, "list existing skus")
	}
	known := make(map[string]struct{}, len(existing))
	for _, sku := range existing {
		known[sku] = struct{}{}
	}

	slog.Info("writing products to database", slog.Int("count", len(products)))

	var created int
	for start := 0; start < len(products); start += writeEvery {
		end := min(start+writeEvery, len(products))
		batch := products[start:end]

		if err := db.InTx(ctx, func(ctx context.Context) error {
			for _, p := range batch {
				if err := repo.Upsert(ctx, p); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		for _, p := range batch {
			if _, ok := known[p.SKU]; !ok {
				created++
			}
		}
		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(products)))
	}

	slog.Info("products written",
		slog.Int("created", created),
		slog.Int("updated", len(products)-created),
	)
	return nil
}
