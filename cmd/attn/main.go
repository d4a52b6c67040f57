// Command attn runs the multi-head attention engine on synthetic input
// for inspection and benchmarking: it renders per-head attention weight
// matrices and can persist or restore the engine's parameter set.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/halcyon-ml/attn/pkg/attention"
	"github.com/halcyon-ml/attn/pkg/tensor"
)

type Config struct {
	Model ModelConfig `yaml:"model"`
	Demo  DemoConfig  `yaml:"demo"`
}

type ModelConfig struct {
	Heads        int     `yaml:"heads"`
	ModelDim     int     `yaml:"model_dimension"`
	Dropout      float32 `yaml:"dropout"`
	QueryKeyBias bool    `yaml:"query_key_bias"`
}

type DemoConfig struct {
	SeqLen int  `yaml:"sequence_length"`
	Batch  int  `yaml:"batch_size"`
	Causal bool `yaml:"causal_mask"`
}

var (
	configFile = flag.String("config", "", "configuration file path (yaml)")
	weightsIn  = flag.String("weights", "", "parameter file to load before running")
	weightsOut = flag.String("save", "", "parameter file to write after running")
	seed       = flag.Int64("seed", 0, "seed for parameters and synthetic input")
	benchIters = flag.Int("bench", 0, "run a benchmark loop with this many iterations")
	verbose    = flag.Bool("verbose", false, "enable debug logging, including recorded tensors")
)

func main() {
	flag.Parse()
	setupLogger()

	config, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	cfg := attention.Config{
		Heads:        config.Model.Heads,
		ModelDim:     config.Model.ModelDim,
		Dropout:      config.Model.Dropout,
		QueryKeyBias: config.Model.QueryKeyBias,
		Seed:         *seed,
	}
	if *verbose {
		cfg.Recorder = attention.LogRecorder{Logger: log.Logger}
	}

	engine, err := attention.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build attention engine")
	}
	log.Info().
		Int("heads", engine.Heads()).
		Int("model_dimension", engine.ModelDim()).
		Int("head_dimension", engine.HeadDim()).
		Msg("engine ready")

	if *weightsIn != "" {
		if err := engine.LoadStateFile(*weightsIn); err != nil {
			log.Fatal().Err(err).Str("path", *weightsIn).Msg("failed to load parameters")
		}
		log.Info().Str("path", *weightsIn).Msg("parameters loaded")
	}

	rng := rand.New(rand.NewSource(*seed + 1))
	input := tensor.Randn(rng, 1, config.Demo.SeqLen, config.Demo.Batch, config.Model.ModelDim)

	var mask *tensor.Tensor
	if config.Demo.Causal {
		mask = attention.CausalMask(config.Demo.SeqLen, config.Demo.SeqLen)
	}

	if *benchIters > 0 {
		runBench(engine, input, mask, *benchIters)
		return
	}

	res, err := engine.Forward(input, input, input, mask)
	if err != nil {
		log.Fatal().Err(err).Msg("forward evaluation failed")
	}
	printWeights(res.Weights)

	if *weightsOut != "" {
		if err := engine.SaveStateFile(*weightsOut); err != nil {
			log.Fatal().Err(err).Str("path", *weightsOut).Msg("failed to save parameters")
		}
		log.Info().Str("path", *weightsOut).Msg("parameters saved")
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}

func defaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Heads:        4,
			ModelDim:     64,
			Dropout:      attention.DefaultDropout,
			QueryKeyBias: true,
		},
		Demo: DemoConfig{
			SeqLen: 6,
			Batch:  1,
			Causal: true,
		},
	}
}

func loadConfig(path string) (*Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Model.Heads <= 0 || config.Model.ModelDim <= 0 {
		return fmt.Errorf("heads and model_dimension must be positive")
	}
	if config.Model.ModelDim%config.Model.Heads != 0 {
		return fmt.Errorf("model_dimension must be divisible by heads")
	}
	if config.Demo.SeqLen <= 0 || config.Demo.Batch <= 0 {
		return fmt.Errorf("sequence_length and batch_size must be positive")
	}
	return nil
}

// printWeights renders the attention distribution of batch element 0,
// one table per head, rows indexed by query position.
func printWeights(w *tensor.Tensor) {
	seqQ, seqK, heads := w.Dim(0), w.Dim(1), w.Dim(3)

	for h := 0; h < heads; h++ {
		fmt.Printf("head %d\n", h)
		table := tablewriter.NewWriter(os.Stdout)

		header := make([]string, seqK+1)
		header[0] = "q\\k"
		for j := 0; j < seqK; j++ {
			header[j+1] = strconv.Itoa(j)
		}
		table.SetHeader(header)

		for i := 0; i < seqQ; i++ {
			row := make([]string, seqK+1)
			row[0] = strconv.Itoa(i)
			for j := 0; j < seqK; j++ {
				row[j+1] = fmt.Sprintf("%.3f", w.At(i, j, 0, h))
			}
			table.Append(row)
		}
		table.Render()
	}
}

func runBench(engine *attention.MultiHeadAttention, input, mask *tensor.Tensor, iters int) {
	bar := progressbar.Default(int64(iters), "forward passes")
	start := time.Now()
	for i := 0; i < iters; i++ {
		if _, err := engine.Forward(input, input, input, mask); err != nil {
			log.Fatal().Err(err).Msg("forward evaluation failed")
		}
		bar.Add(1)
	}
	elapsed := time.Since(start)
	log.Info().
		Int("iterations", iters).
		Dur("total", elapsed).
		Dur("per_call", elapsed/time.Duration(iters)).
		Msg("benchmark complete")
}
