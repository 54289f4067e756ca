package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/ijoka/internal/transcript"
)

var parseCmd = &cobra.Command{
	Use:   "parse <transcript.jsonl>",
	Short: "Classify the newest record of a transcript file",
	Args:  cobra.ExactArgs(1),
	RunE:  runParse,
}

type parseOutput struct {
	SessionID  string             `json:"sessionId"`
	ProjectDir string             `json:"projectDir"`
	Kind       string             `json:"kind"`
	Payload    *transcript.Payload `json:"payload,omitempty"`
}

func runParse(cmd *cobra.Command, args []string) error {
	_, logger, err := loadConfig()
	if err != nil {
		return err
	}

	path := args[0]
	entry, ok := transcript.NewParser(logger).ParseFile(path)
	if !ok {
		return fmt.Errorf("no classifiable record in %s", path)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(parseOutput{
		SessionID:  transcript.SessionID(path),
		ProjectDir: transcript.ProjectDirOf(path),
		Kind:       entry.Kind,
		Payload:    entry.Payload,
	})
}
