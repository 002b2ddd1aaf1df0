// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flazoo "github.com/sergiudm/fla-zoo"
	"github.com/sergiudm/fla-zoo/downloader"
	"github.com/sergiudm/fla-zoo/linearizer"
	"github.com/sergiudm/fla-zoo/vision"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	if err := loadDotEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	app := &cli.App{
		Name:  "flazoo",
		Usage: "Build linearized vision models from pretrained checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"FLAZOO_LOGLEVEL"},
			},
			&cli.StringFlag{
				Name:    "models-dir",
				Usage:   "directory where checkpoints are stored",
				Value:   "models",
				EnvVars: []string{"FLAZOO_MODELS_DIR"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "families",
				Usage: "List the supported source families",
				Action: func(c *cli.Context) error {
					for _, f := range linearizer.Families() {
						fmt.Printf("%-28s %s\n", f.Name, f.ModelID)
					}
					return nil
				},
			},
			{
				Name:  "download",
				Usage: "Download a source family checkpoint to the models directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "family",
						Usage: "name of the source family (see the families command)",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Hugging Face model id to fetch instead of a registered family",
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "download files again even if they already exist",
					},
					&cli.StringFlag{
						Name:    "auth-token",
						Usage:   "Hugging Face access token for gated repositories",
						EnvVars: []string{"FLAZOO_HF_TOKEN"},
					},
				},
				Action: func(c *cli.Context) error {
					if err := download(c); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "linearize",
				Usage: "Initialize a linearized vision model from a downloaded checkpoint",
				Flags: []cli.Flag{
					familyFlag(),
					&cli.StringFlag{
						Name:     "config",
						Usage:    "the path to the JSON configuration of the model to build",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "checkpoint",
						Usage: "the path to the source checkpoint (default: looked up in the models directory, downloading it when missing)",
					},
					&cli.StringFlag{
						Name:    "auth-token",
						Usage:   "Hugging Face access token for gated repositories",
						EnvVars: []string{"FLAZOO_HF_TOKEN"},
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "the path of the serialized model to write",
						Value: vision.DefaultModelFilename,
					},
					&cli.StringFlag{
						Name:  "options",
						Usage: "the path to the YAML file with initialization options (overrides the boolean flags)",
					},
					&cli.BoolFlag{
						Name:  "train-mlp",
						Usage: "keep the channel-mixer parameters trainable",
					},
					&cli.BoolFlag{
						Name:  "init-embedding",
						Usage: "copy patch and position embeddings when the source supports it",
						Value: true,
					},
					&cli.BoolFlag{
						Name:  "init-head",
						Usage: "copy the classification head when the source carries one",
						Value: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := linearize(c); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func familyFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "family",
		Usage:    "name of the source family (see the families command)",
		Required: true,
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

// loadDotEnv loads environment variables from path. If the file does not
// exist it is silently ignored so that .env files remain optional.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func download(c *cli.Context) error {
	modelID := c.String("model")
	if modelID == "" {
		family, err := linearizer.FamilyByName(c.String("family"))
		if err != nil {
			return err
		}
		modelID = family.ModelID
	}
	log.Debug().Msgf("Downloading %s into dir: %s", modelID, c.String("models-dir"))
	err := downloader.Download(c.String("models-dir"), modelID, c.Bool("overwrite"), c.String("auth-token"))
	if err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

func linearize(c *cli.Context) error {
	family, err := linearizer.FamilyByName(c.String("family"))
	if err != nil {
		return err
	}

	opts := linearizer.DefaultOptions()
	if optionsFile := c.String("options"); optionsFile != "" {
		opts, err = linearizer.OptionsFromFile(optionsFile)
		if err != nil {
			return fmt.Errorf("error reading initialization options: %w", err)
		}
	} else {
		opts.TrainMLP = c.Bool("train-mlp")
		opts.InitEmbedding = c.Bool("init-embedding")
		opts.InitHead = c.Bool("init-head")
	}
	log.Info().Msgf("Initialization options: %+v", opts)

	conf, err := vision.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load model config: %w", err)
	}

	var result *linearizer.Result
	if checkpoint := c.String("checkpoint"); checkpoint != "" {
		log.Debug().Msgf("Building model with %d blocks...", conf.NumHiddenLayers)
		model := vision.New[float32](conf)

		log.Debug().Msgf("Initializing from checkpoint: %s", checkpoint)
		result, err = linearizer.FromCheckpoint[float32](model, family, checkpoint, opts)
	} else {
		result, err = flazoo.Linearize[float32](c.String("models-dir"), family, conf, opts, c.String("auth-token"))
	}
	if err != nil {
		return err
	}

	output := c.String("output")
	log.Debug().Msgf("Writing model to: %s", output)
	if err := vision.Dump(result.Model, output); err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}
