package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xeipuuv/gojsonschema"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/transport/socket"
	"github.com/autom8ter/docsync/watch"
)

//go:embed replay_schema.json
var replaySchema string

const defaultReplayTemplate = `{{ toPrettyJson . }}`

type replayTarget struct {
	model.TargetData
	Synced []model.DocumentKey `json:"synced"`
}

// replayFixture is a recorded watch stream. A frame with a version closes a snapshot.
type replayFixture struct {
	Targets []replayTarget `json:"targets"`
	Frames  []socket.Frame `json:"frames"`
}

// replayProvider is the metadata of the fixture's targets. Applied events update the synced keys.
type replayProvider struct {
	targets map[model.TargetID]model.TargetData
	synced  map[model.TargetID]model.DocumentKeySet
}

func (p *replayProvider) RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if keys, ok := p.synced[targetID]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (p *replayProvider) TargetDataForTarget(targetID model.TargetID) (model.TargetData, bool) {
	td, ok := p.targets[targetID]
	return td, ok
}

func (p *replayProvider) apply(event *watch.RemoteEvent) {
	for id, change := range event.TargetChanges {
		keys := p.RemoteKeysForTarget(id).Clone()
		for key := range change.AddedDocuments {
			keys.Add(key)
		}
		for key := range change.RemovedDocuments {
			keys.Remove(key)
		}
		p.synced[id] = keys
	}
	for id := range event.TargetMismatches {
		p.synced[id] = model.NewDocumentKeySet()
	}
}

func (p *replayProvider) remove(targetID model.TargetID) {
	delete(p.targets, targetID)
	delete(p.synced, targetID)
}

// validateFixture checks the json form of a fixture against the replay schema
func validateFixture(jsonBits []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(replaySchema), gojsonschema.NewBytesLoader(jsonBits))
	if err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "failed to validate fixture")
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return errors.New(errors.InvalidArgument, "invalid fixture: %s", strings.Join(problems, "; "))
	}
	return nil
}

// replay feeds the fixture's frames to an aggregator and renders every remote event it raises
func replay(ctx context.Context, w io.Writer, fixture replayFixture, text string) error {
	provider := &replayProvider{
		targets: map[model.TargetID]model.TargetData{},
		synced:  map[model.TargetID]model.DocumentKeySet{},
	}
	for _, t := range fixture.Targets {
		td := t.TargetData
		if td.Purpose == "" {
			td.Purpose = model.PurposeListen
		}
		provider.targets[td.TargetID] = td
		provider.synced[td.TargetID] = model.NewDocumentKeySet(t.Synced...)
	}
	aggregator := watch.NewAggregator(provider, watch.WithObserver(watch.ObserverFunc(func(info watch.ExistenceFilterMismatch) {
		_ = render(w, `# existence filter mismatch on target {{ .TargetID }}: local {{ .LocalCacheCount }}, remote {{ .ExistenceFilterCount }}`, info)
	})))
	// the fixture's targets were requested before the recording started
	for id := range provider.targets {
		aggregator.RecordPendingTargetRequest(id)
	}
	for i, frame := range fixture.Frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		change, err := frame.Decode()
		if err != nil {
			return errors.Wrap(err, 0, "frame %d", i)
		}
		for _, rejected := range aggregator.Handle(change) {
			provider.remove(rejected.TargetID)
			aggregator.RemoveTarget(rejected.TargetID)
			if _, err := fmt.Fprintf(w, "# target %d rejected: %s\n", rejected.TargetID, rejected.Cause); err != nil {
				return err
			}
		}
		if frame.Version == model.NoVersion {
			continue
		}
		event := aggregator.CreateRemoteEvent(frame.Version)
		provider.apply(event)
		if err := render(w, text, event); err != nil {
			return err
		}
	}
	return nil
}

func replayCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "replay <fixture>",
		Short: "replay a recorded watch stream and print the remote events it produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fixture replayFixture
			jsonBits, err := readFile(args[0], &fixture)
			if err != nil {
				return err
			}
			if err := validateFixture(jsonBits); err != nil {
				return err
			}
			return replay(cmd.Context(), cmd.OutOrStdout(), fixture, text)
		},
	}
	cmd.Flags().StringVar(&text, "template", defaultReplayTemplate, "go template rendered for every remote event (sprig functions available)")
	return cmd
}
