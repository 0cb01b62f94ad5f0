package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"OpenGRC-Risk/internal/catalog"
	"OpenGRC-Risk/internal/scoring"
)

// responseFile is the on-disk form of one assessment's answers.
type responseFile struct {
	Assessment string             `yaml:"assessment"`
	Responses  []scoring.Response `yaml:"responses"`
}

type scoreOutput struct {
	Assessment  string                   `json:"assessment,omitempty"`
	FrameworkID string                   `json:"framework_id"`
	Result      scoring.AssessmentResult `json:"result"`
}

func newScoreCmd() *cobra.Command {
	var frameworkPath, responsesPath string
	var compact bool
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a responses file against a framework file and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fw, err := catalog.LoadFile(frameworkPath)
			if err != nil {
				return err
			}
			responses, err := loadResponses(responsesPath)
			if err != nil {
				return err
			}
			out := scoreOutput{
				Assessment:  responses.Assessment,
				FrameworkID: fw.ID,
				Result:      scoring.ComputeScore(scoring.ResponsesByControl(responses.Responses), fw.Controls),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if !compact {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&frameworkPath, "framework", "", "framework definition YAML")
	cmd.Flags().StringVar(&responsesPath, "responses", "", "assessment responses YAML")
	cmd.Flags().BoolVar(&compact, "compact", false, "print single-line JSON")
	_ = cmd.MarkFlagRequired("framework")
	_ = cmd.MarkFlagRequired("responses")
	return cmd
}

func loadResponses(path string) (responseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return responseFile{}, fmt.Errorf("read responses: %w", err)
	}
	var rf responseFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return responseFile{}, fmt.Errorf("parse responses %s: %w", path, err)
	}
	return rf, nil
}
