package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"libresync/internal/app"
	"libresync/internal/config"
	"libresync/internal/domain"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const displayLayout = "2006-01-02 15:04:05"

func main() {
	format := flag.String("format", "json", "output format: json or csv")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Sugar().Fatalw("failed to load config", "error", err)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	readings, err := app.NewEngine(log, cfg).Latest(ctx, cfg.NumReadings)
	if err != nil {
		log.Fatalw("failed to fetch readings", "error", err)
	}

	zone := time.FixedZone("display", int(cfg.ExportDisplayOffset/time.Second))
	if err := write(os.Stdout, *format, readings, zone); err != nil {
		log.Fatalw("failed to write readings", "error", err)
	}
}

// exportRow is a reading as shown to people, in the display zone.
type exportRow struct {
	Time   string  `json:"time"`
	Value  float64 `json:"value"`
	Trend  string  `json:"trend"`
	IsHigh bool    `json:"isHigh"`
	IsLow  bool    `json:"isLow"`
}

func rows(readings []domain.Reading, zone *time.Location) []exportRow {
	out := make([]exportRow, len(readings))
	for i, r := range readings {
		out[i] = exportRow{
			Time:   r.Timestamp.In(zone).Format(displayLayout),
			Value:  r.Value,
			Trend:  string(r.Trend),
			IsHigh: r.IsHigh,
			IsLow:  r.IsLow,
		}
	}
	return out
}

func write(w io.Writer, format string, readings []domain.Reading, zone *time.Location) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows(readings, zone))
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"time", "value", "trend", "is_high", "is_low"}); err != nil {
			return err
		}
		for _, r := range rows(readings, zone) {
			record := []string{
				r.Time,
				strconv.FormatFloat(r.Value, 'f', -1, 64),
				r.Trend,
				strconv.FormatBool(r.IsHigh),
				strconv.FormatBool(r.IsLow),
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return errors.Errorf("unknown format %q", format)
	}
}
