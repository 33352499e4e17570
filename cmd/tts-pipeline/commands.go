package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/markup"
	"github.com/spf13/cobra"
)

var ruleTypes = map[string]core.RuleType{
	"number-english": core.RuleNumberEnglish,
	"phonetic":       core.RulePhoneticAdjustment,
	"proper-noun":    core.RuleProperNoun,
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.Validationf("invalid id %q", arg)
	}

	return id, nil
}

// readInput returns the text of path, or of stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}

func newTaskCommand(opts *rootOptions) *cobra.Command {
	taskCmd := &cobra.Command{Use: "task", Short: "Manage synthesis tasks"}

	var name, file string

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Split a text into sentences and store it as a new task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := readInput(cmd, file)
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				task, err := p.synthesis.CreateTask(ctx, name, string(content))
				if err != nil {
					return err
				}

				return printJSON(cmd, task)
			})
		},
	}

	createCmd.Flags().StringVar(&name, "name", "", "task name")
	createCmd.Flags().StringVarP(&file, "file", "f", "-", "text file to split, - for stdin")
	_ = createCmd.MarkFlagRequired("name")

	taskCmd.AddCommand(createCmd)

	return taskCmd
}

type voiceFlags struct {
	voiceID string
	rate    int
	volume  int
	pitch   int
	reset   bool
}

func (v *voiceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&v.voiceID, "voice", "", "voice id (default: stored or configured voice)")
	cmd.Flags().IntVar(&v.rate, "rate", 0, "speech rate")
	cmd.Flags().IntVar(&v.volume, "volume", 0, "volume")
	cmd.Flags().IntVar(&v.pitch, "pitch", 0, "pitch")
	cmd.Flags().BoolVar(&v.reset, "reset", false, "reset the status to PENDING before submitting")
}

func (v *voiceFlags) request(sentenceID int64) core.SynthesisRequest {
	return core.SynthesisRequest{
		BreakingSentenceID: sentenceID,
		VoiceID:            v.voiceID,
		SpeechRate:         v.rate,
		Volume:             v.volume,
		Pitch:              v.pitch,
		ResetStatus:        v.reset,
	}
}

func (v *voiceFlags) setting(sentenceID int64) *core.SynthesisSetting {
	if v.voiceID == "" && v.rate == 0 && v.volume == 0 && v.pitch == 0 {
		return nil
	}

	return &core.SynthesisSetting{
		BreakingSentenceID: sentenceID,
		VoiceID:            v.voiceID,
		SpeechRate:         v.rate,
		Volume:             v.volume,
		Pitch:              v.pitch,
	}
}

func newSynthesizeCommand(opts *rootOptions) *cobra.Command {
	synthCmd := &cobra.Command{Use: "synthesize", Short: "Submit sentences for synthesis"}

	var (
		sentenceVoice voiceFlags
		sentenceSSML  string
	)

	sentenceCmd := &cobra.Command{
		Use:   "sentence <id>",
		Short: "Submit one breaking sentence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				req := sentenceVoice.request(id)
				req.Markup = sentenceSSML

				label, err := p.synthesis.Synthesize(ctx, req)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "sentence %d: %s\n", id, label)

				return nil
			})
		},
	}
	sentenceVoice.register(sentenceCmd)
	sentenceCmd.Flags().StringVar(&sentenceSSML, "markup", "", "SSML to send instead of the stored markup")

	var (
		taskVoice voiceFlags
		ids       []int64
	)

	taskCmd := &cobra.Command{
		Use:   "task <id>",
		Short: "Submit every sentence of a task, or only --ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				result, err := p.synthesis.SynthesizeTask(ctx, taskID, ids, taskVoice.request(0))
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "accepted %d sentence(s)\n", len(result.Accepted))

				for id, rejectErr := range result.Rejected {
					fmt.Fprintf(out, "rejected sentence %d: %v\n", id, rejectErr)
				}

				return nil
			})
		},
	}
	taskVoice.register(taskCmd)
	taskCmd.Flags().Int64SliceVar(&ids, "ids", nil, "breaking sentence ids to submit")

	synthCmd.AddCommand(sentenceCmd, taskCmd)

	return synthCmd
}

func newConfigureCommand(opts *rootOptions) *cobra.Command {
	var (
		file  string
		voice voiceFlags
	)

	configureCmd := &cobra.Command{
		Use:   "configure <sentence-id>",
		Short: "Store annotated markup and voice settings for a sentence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var cfg markup.Config

			if file != "" {
				data, err := readInput(cmd, file)
				if err != nil {
					return err
				}

				err = json.Unmarshal(data, &cfg)
				if err != nil {
					return core.Validationf("malformed markup configuration: %v", err)
				}
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				rendered, err := p.synthesis.Configure(ctx, id, cfg, voice.setting(id))
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), rendered)

				return nil
			})
		},
	}

	configureCmd.Flags().StringVarP(&file, "file", "f", "", "JSON markup configuration, - for stdin")
	voice.register(configureCmd)

	return configureCmd
}

func newMergeCommand(opts *rootOptions) *cobra.Command {
	mergeCmd := &cobra.Command{Use: "merge", Short: "Merge sentence audio into one file"}

	var ids []int64

	requestCmd := &cobra.Command{
		Use:   "request <task-id>",
		Short: "Request a merge of completed sentences in task order, all of them or only --ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				merge, err := p.merges.Request(ctx, taskID, ids)
				if merge != nil {
					printErr := printJSON(cmd, merge)
					if printErr != nil {
						return printErr
					}
				}

				return err
			})
		},
	}
	requestCmd.Flags().Int64SliceVar(&ids, "ids", nil, "breaking sentence ids to include")

	statusCmd := &cobra.Command{
		Use:   "status <merge-id>",
		Short: "Show a merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				merge, err := p.merges.Get(ctx, id)
				if err != nil {
					return err
				}

				return printJSON(cmd, merge)
			})
		},
	}

	mergeCmd.AddCommand(requestCmd, statusCmd)

	return mergeCmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	statusCmd := &cobra.Command{Use: "status", Short: "Show synthesis progress"}

	sentenceCmd := &cobra.Command{
		Use:   "sentence <id>",
		Short: "Show one breaking sentence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				sentence, err := p.synthesis.Sentence(ctx, id)
				if err != nil {
					return err
				}

				return printJSON(cmd, sentence)
			})
		},
	}

	taskCmd := &cobra.Command{
		Use:   "task <id>",
		Short: "Show the rolled-up status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				summary, err := p.synthesis.TaskSummary(ctx, id)
				if err != nil {
					return err
				}

				return printJSON(cmd, summary)
			})
		},
	}

	statusCmd.AddCommand(sentenceCmd, taskCmd)

	return statusCmd
}

func ruleTypeNames() string {
	return strings.Join(slices.Sorted(maps.Keys(ruleTypes)), ", ")
}

func newRulesCommand(opts *rootOptions) *cobra.Command {
	rulesCmd := &cobra.Command{Use: "rules", Short: "Manage pronunciation rules"}

	var (
		pattern, value, typeName string
		ownerTask                int64
	)

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a reading rule, global unless --task is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ruleType, ok := ruleTypes[typeName]
			if !ok {
				return core.Validationf("unknown rule type %q, expected one of %s", typeName, ruleTypeNames())
			}

			rule := &core.ReadingRule{Pattern: pattern, Type: ruleType, Value: value, Scope: core.ScopeGlobal}
			if ownerTask > 0 {
				rule.Scope = core.ScopeTask
				rule.TaskID = ownerTask
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				err := p.store.CreateRule(ctx, rule)
				if err != nil {
					return err
				}

				return printJSON(cmd, rule)
			})
		},
	}

	addCmd.Flags().StringVar(&pattern, "pattern", "", "text to match")
	addCmd.Flags().StringVar(&value, "value", "", "replacement reading")
	addCmd.Flags().StringVar(&typeName, "type", "phonetic", "rule type")
	addCmd.Flags().Int64Var(&ownerTask, "task", 0, "owning task for a task-scoped rule")
	_ = addCmd.MarkFlagRequired("pattern")
	_ = addCmd.MarkFlagRequired("value")

	var (
		ruleID, taskID, sentenceID int64
		closed                     bool
	)

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Open or close a rule for a task or a single sentence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := &core.ReadingRuleApplication{RuleID: ruleID, Open: !closed}

			switch {
			case sentenceID > 0 && taskID == 0:
				app.Level, app.TargetID = core.LevelSentence, sentenceID
			case taskID > 0 && sentenceID == 0:
				app.Level, app.TargetID = core.LevelTask, taskID
			default:
				return core.Validationf("exactly one of --task or --sentence is required")
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				err := p.store.SaveApplication(ctx, app)
				if err != nil {
					return err
				}

				return printJSON(cmd, app)
			})
		},
	}

	applyCmd.Flags().Int64Var(&ruleID, "rule", 0, "rule id")
	applyCmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	applyCmd.Flags().Int64Var(&sentenceID, "sentence", 0, "breaking sentence id")
	applyCmd.Flags().BoolVar(&closed, "close", false, "close the rule instead of opening it")
	_ = applyCmd.MarkFlagRequired("rule")

	showCmd := &cobra.Command{
		Use:   "show <sentence-id>",
		Short: "List the rules in force for a sentence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				sentence, err := p.store.GetBreakingSentence(ctx, id)
				if err != nil {
					return err
				}

				rules, err := p.rules.Required(ctx, *sentence)
				if err != nil {
					return err
				}

				return printJSON(cmd, rules)
			})
		},
	}

	rulesCmd.AddCommand(addCmd, applyCmd, showCmd)

	return rulesCmd
}

func newJobCommand(opts *rootOptions) *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Inspect engine jobs"}

	getCmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Query the engine for the state of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, opts, func(ctx context.Context, p *pipeline) error {
				job, err := p.engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}

				return printJSON(cmd, job)
			})
		},
	}

	jobCmd.AddCommand(getCmd)

	return jobCmd
}
