// kektoropf trains and applies optimum-path forest classifiers.
package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/sanonone/kektoropf/internal/config"
	"github.com/sanonone/kektoropf/pkg/dataset"
	"github.com/sanonone/kektoropf/pkg/opf"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve Prometheus metrics on this address (e.g. :9095)",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug logging",
	}

	dataFlag = &cli.StringFlag{
		Name:     "data",
		Usage:    "dataset file (.csv, .txt or .json)",
		Required: true,
	}
	modelFlag = &cli.StringFlag{
		Name:  "model",
		Usage: "model snapshot path (overrides model_path)",
	}
	jsonFlag = &cli.StringFlag{
		Name:  "json",
		Usage: "also export the trained model as JSON to this path",
	}
)

var (
	fitCommand = &cli.Command{
		Name:   "fit",
		Usage:  "Train a classifier on a dataset and store it",
		Flags:  []cli.Flag{dataFlag, modelFlag, jsonFlag},
		Action: fit,
	}
	predictCommand = &cli.Command{
		Name:   "predict",
		Usage:  "Classify a dataset with a stored classifier and report accuracy",
		Flags:  []cli.Flag{dataFlag, modelFlag},
		Action: predict,
	}
	learnCommand = &cli.Command{
		Name:   "learn",
		Usage:  "Split a dataset, learn the best classifier on the validation half and store it",
		Flags:  []cli.Flag{dataFlag, modelFlag, jsonFlag},
		Action: learn,
	}
	pruneCommand = &cli.Command{
		Name:   "prune",
		Usage:  "Split a dataset, prune irrelevant training samples and store the result",
		Flags:  []cli.Flag{dataFlag, modelFlag, jsonFlag},
		Action: prune,
	}
)

// cfg is loaded once in Before and shared by every command.
var cfg config.Config

func main() {
	app := &cli.App{
		Name:     "kektoropf",
		Usage:    "optimum-path forest classifier",
		Flags:    []cli.Flag{configFlag, metricsAddrFlag, verboseFlag},
		Commands: []*cli.Command{fitCommand, predictCommand, learnCommand, pruneCommand},
		Before:   setup,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("kektoropf: %v", err)
	}
}

func setup(ctx *cli.Context) error {
	level := slog.LevelInfo
	if ctx.Bool(verboseFlag.Name) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var err error
	cfg, err = config.LoadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if addr := ctx.String(metricsAddrFlag.Name); addr != "" {
		cfg.MetricsAddr = addr
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped", "error", err)
	}
}

func loadSamples(ctx *cli.Context) ([][]float32, []int, error) {
	records, err := dataset.Load(ctx.String(dataFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	return dataset.Parse(records)
}

func modelPath(ctx *cli.Context) string {
	if p := ctx.String(modelFlag.Name); p != "" {
		return p
	}
	return cfg.ModelPath
}

func newClassifier() (*opf.Classifier, error) {
	return opf.New(cfg.Options(slog.Default()))
}

func store(ctx *cli.Context, clf *opf.Classifier) error {
	path := modelPath(ctx)
	if err := clf.SaveFile(path); err != nil {
		return err
	}
	slog.Info("Model stored", "path", path)

	if jsonPath := ctx.String(jsonFlag.Name); jsonPath != "" {
		jf, err := os.Create(jsonPath)
		if err != nil {
			return err
		}
		defer jf.Close()
		if err := clf.ExportJSON(jf); err != nil {
			return err
		}
		slog.Info("Model exported", "path", jsonPath)
	}
	return nil
}

func fit(ctx *cli.Context) error {
	x, y, err := loadSamples(ctx)
	if err != nil {
		return err
	}
	clf, err := newClassifier()
	if err != nil {
		return err
	}
	if err := clf.Fit(x, y); err != nil {
		return err
	}
	return store(ctx, clf)
}

func predict(ctx *cli.Context) error {
	x, y, err := loadSamples(ctx)
	if err != nil {
		return err
	}
	clf, err := newClassifier()
	if err != nil {
		return err
	}
	if err := clf.LoadFile(modelPath(ctx)); err != nil {
		return err
	}

	pred, err := clf.Predict(x)
	if err != nil {
		return err
	}
	for i, p := range pred {
		fmt.Printf("%d\t%d\n", i, p)
	}
	acc, err := opf.Accuracy(y, pred)
	if err != nil {
		return err
	}
	fmt.Printf("accuracy\t%.4f\n", acc)
	return nil
}

// splitSamples loads the dataset and splits it into training and validation
// sets using the configured ratio and seed.
func splitSamples(ctx *cli.Context) ([][]float32, []int, [][]float32, []int, error) {
	x, y, err := loadSamples(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return dataset.Split(x, y, cfg.SplitRatio, rand.New(rand.NewSource(seed)))
}

func learn(ctx *cli.Context) error {
	xTrain, yTrain, xVal, yVal, err := splitSamples(ctx)
	if err != nil {
		return err
	}
	clf, err := newClassifier()
	if err != nil {
		return err
	}
	if err := clf.Learn(xTrain, yTrain, xVal, yVal, cfg.LearnIterations); err != nil {
		return err
	}
	return store(ctx, clf)
}

func prune(ctx *cli.Context) error {
	xTrain, yTrain, xVal, yVal, err := splitSamples(ctx)
	if err != nil {
		return err
	}
	clf, err := newClassifier()
	if err != nil {
		return err
	}
	ratio, err := clf.Prune(xTrain, yTrain, xVal, yVal, cfg.PruneIterations)
	if err != nil {
		return err
	}
	fmt.Printf("prune ratio\t%.4f\n", ratio)
	return store(ctx, clf)
}
