// Command seed-pins sets bcrypt PIN hashes on issued cards, either for one
// card (-uid/-pin) or from a CSV file of "uid,pin" lines.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nfcpay/cardledger/internal/infra"
	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/lock"
	"github.com/nfcpay/cardledger/internal/logging"
)

func main() {
	_ = godotenv.Load()

	var (
		dbURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
		uid   = flag.String("uid", "", "card UID")
		pin   = flag.String("pin", "", "PIN for -uid, 4 to 6 digits")
		file  = flag.String("file", "", `CSV file of "uid,pin" lines ("-" for stdin)`)
	)
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"))
	if err := run(*dbURL, *uid, *pin, *file, logger); err != nil {
		fmt.Fprintf(os.Stderr, "seed-pins: %v\n", err)
		os.Exit(1)
	}
}

func run(dbURL, uid, pin, file string, logger *slog.Logger) error {
	pairs, err := collect(uid, pin, file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := infra.NewPostgresPool(ctx, dbURL, "cardledger-seed-pins")
	if err != nil {
		return err
	}
	defer db.Close()

	svc := ledger.NewService(ledger.NewPostgresStore(db), lock.NewKeyedMutex(5*time.Second),
		ledger.NewEngine(ledger.Policy{}), logger)

	var failed int
	for _, p := range pairs {
		if err := svc.SetPIN(ctx, p[0], p[1]); err != nil {
			failed++
			logger.Error("seed pin failed", slog.String("card_uid", p[0]), slog.Any("error", err))
		}
	}
	logger.Info("seed pins done", slog.Int("cards", len(pairs)), slog.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d cards failed", failed, len(pairs))
	}
	return nil
}

func collect(uid, pin, file string) ([][2]string, error) {
	switch {
	case file == "" && uid != "":
		return [][2]string{{uid, pin}}, nil
	case file == "":
		return nil, errors.New("either -uid and -pin or -file is required")
	}

	var r io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseCSV(r)
}

func parseCSV(r io.Reader) ([][2]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	var out [][2]string
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(rec[0], "uid") {
			continue
		}
		out = append(out, [2]string{strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])})
	}
	if len(out) == 0 {
		return nil, errors.New("no cards in input")
	}
	return out, nil
}
