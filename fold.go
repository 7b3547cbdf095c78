package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"copilot-unstream/internal/tokenizer"
	"copilot-unstream/unstream"
)

type foldOptions struct {
	model        string
	messagesFile string
	output       string
}

func newFoldCmd(configPath *string) *cobra.Command {
	var opts foldOptions

	cmd := &cobra.Command{
		Use:   "fold [file|-]",
		Short: "Assemble a captured chat completion stream into one response",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			log := provideLogger(cfg)

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var messages []unstream.OAIRequestMessage
			if opts.messagesFile != "" {
				if messages, err = readMessages(opts.messagesFile); err != nil {
					return err
				}
			}

			counter := tokenizer.New(log, cfg.Unstream.DefaultEncoding)
			return runFold(in, cmd.OutOrStdout(), unstream.NewAssembler(counter, unstream.WithLogger(log)), messages, opts)
		},
	}
	cmd.Flags().StringVar(&opts.model, "model", "", "model the stream was requested with")
	cmd.Flags().StringVar(&opts.messagesFile, "messages", "", "JSON file with the request messages, used for prompt token counting")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "json", "output format (json, yaml)")
	return cmd
}

func readMessages(path string) ([]unstream.OAIRequestMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var messages []unstream.OAIRequestMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return messages, nil
}

func runFold(in io.Reader, out io.Writer, assembler *unstream.Assembler, messages []unstream.OAIRequestMessage, opts foldOptions) error {
	chunks, err := unstream.ReadChunks(in)
	if err != nil {
		return err
	}
	resp, err := assembler.Assemble(chunks, messages, opts.model)
	if err != nil {
		return err
	}

	switch opts.output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "yaml":
		// go through JSON so the keys match the wire names
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}
}
