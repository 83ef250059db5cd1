package execution

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/results"
	"github.com/go-playground/validator/v10"
)

type resultKey struct {
	experimentID int64
	stage        int
	label        string
}

// MemoryWriter keeps experiment data in process memory.
type MemoryWriter struct {
	mu          sync.RWMutex
	validate    *validator.Validate
	nextID      int64
	experiments map[int64]*models.ExperimentRecord
	results     map[resultKey]models.ResultRecord
	metadata    map[resultKey]models.MetadataRecord
	figures     map[int64][]models.FigureRecord
	plots       map[int64][]models.PlotRecord
	nodes       map[int64][]models.NodeRecord
	debug       map[int64]models.DebugRecord
	figureID    int64
	plotID      int64
}

var (
	_ results.DataWriter = (*MemoryWriter)(nil)
	_ results.Reader     = (*MemoryWriter)(nil)
)

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		validate:    validator.New(),
		experiments: make(map[int64]*models.ExperimentRecord),
		results:     make(map[resultKey]models.ResultRecord),
		metadata:    make(map[resultKey]models.MetadataRecord),
		figures:     make(map[int64][]models.FigureRecord),
		plots:       make(map[int64][]models.PlotRecord),
		nodes:       make(map[int64][]models.NodeRecord),
		debug:       make(map[int64]models.DebugRecord),
	}
}

func (w *MemoryWriter) OpenExperiment(_ context.Context, data models.ExperimentInitialData) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++

	w.experiments[w.nextID] = &models.ExperimentRecord{
		ID:          w.nextID,
		Label:       data.Label,
		Script:      data.Script,
		User:        data.User,
		Story:       data.Story,
		LabTopology: data.LabTopology,
		StartTime:   data.StartTime,
	}

	return w.nextID, nil
}

func (w *MemoryWriter) CloseExperiment(_ context.Context, experimentID int64, data models.ExperimentEndData) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	record, err := w.experiment("CloseExperiment", experimentID)
	if err != nil {
		return err
	}

	end := data.EndTime
	record.EndTime = &end
	record.Success = data.Success

	return nil
}

func (w *MemoryWriter) SaveResult(_ context.Context, experimentID int64, result models.RawResultData) error {
	err := w.validateStruct("SaveResult", result.Label, result)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.experiment("SaveResult", experimentID)
	if err != nil {
		return err
	}

	key := resultKey{experimentID: experimentID, stage: result.Stage, label: result.Label}
	if _, ok := w.results[key]; ok {
		return errdefs.Newf("SaveResult", result.Label, errdefs.ErrAlreadyExists,
			"experiment %d already has a result at stage %d", experimentID, result.Stage)
	}

	w.results[key] = models.ResultRecord{
		ExperimentID: experimentID,
		Stage:        result.Stage,
		Label:        result.Label,
		Story:        result.Story,
		Data:         result.Data,
		Time:         time.Now(),
		DataType:     models.DataTypeNative,
	}

	return nil
}

func (w *MemoryWriter) SaveMetadata(_ context.Context, experimentID int64, metadata models.Metadata) error {
	err := w.validateStruct("SaveMetadata", metadata.Label, metadata)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.experiment("SaveMetadata", experimentID)
	if err != nil {
		return err
	}

	key := resultKey{experimentID: experimentID, stage: metadata.Stage, label: metadata.Label}
	if _, ok := w.metadata[key]; ok {
		return errdefs.Newf("SaveMetadata", metadata.Label, errdefs.ErrAlreadyExists,
			"experiment %d already has metadata at stage %d", experimentID, metadata.Stage)
	}

	w.metadata[key] = models.MetadataRecord{
		ExperimentID: experimentID,
		Stage:        metadata.Stage,
		Label:        metadata.Label,
		Data:         metadata.Data,
		Time:         time.Now(),
		DataType:     models.DataTypeNative,
	}

	return nil
}

func (w *MemoryWriter) SaveFigure(_ context.Context, experimentID int64, figure models.Figure) error {
	err := w.validateStruct("SaveFigure", strconv.FormatInt(experimentID, 10), figure)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.experiment("SaveFigure", experimentID)
	if err != nil {
		return err
	}

	w.figureID++
	w.figures[experimentID] = append(w.figures[experimentID], models.FigureRecord{
		ID:           w.figureID,
		ExperimentID: experimentID,
		Figure:       figure.Figure,
		Time:         time.Now(),
	})

	return nil
}

func (w *MemoryWriter) SavePlot(_ context.Context, experimentID int64, plot models.PlotSpec) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.experiment("SavePlot", experimentID)
	if err != nil {
		return err
	}

	w.plotID++
	w.plots[experimentID] = append(w.plots[experimentID], models.PlotRecord{
		ID:           w.plotID,
		ExperimentID: experimentID,
		Label:        plot.Label,
		Story:        plot.Story,
		Generator:    plot.Generator,
		Data:         plot.Data,
		Time:         time.Now(),
	})

	return nil
}

func (w *MemoryWriter) SaveNode(_ context.Context, experimentID int64, node models.NodeData) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.experiment("SaveNode", experimentID)
	if err != nil {
		return err
	}

	w.nodes[experimentID] = append(w.nodes[experimentID], models.NodeRecord{
		ExperimentID: experimentID,
		StageID:      node.StageID,
		Label:        node.Label,
		Start:        node.StartTime,
		IsKeyNode:    node.IsKeyNode,
	})

	return nil
}

func (w *MemoryWriter) SaveDebug(_ context.Context, experimentID int64, debug models.Debug) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.experiment("SaveDebug", experimentID)
	if err != nil {
		return err
	}

	w.debug[experimentID] = models.DebugRecord{
		ID:           experimentID,
		ExperimentID: experimentID,
		Env:          debug.Env,
		History:      debug.History,
		StationSpecs: debug.StationSpecs,
		Extra:        debug.Extra,
	}

	return nil
}

func (w *MemoryWriter) GetExperimentRecord(_ context.Context, experimentID int64) (*models.ExperimentRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	record, err := w.experiment("GetExperimentRecord", experimentID)
	if err != nil {
		return nil, err
	}

	clone := *record

	return &clone, nil
}

// GetResults returns matching results ordered by experiment, stage and label.
func (w *MemoryWriter) GetResults(_ context.Context, filter results.ResultFilter) ([]models.ResultRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	records := make([]models.ResultRecord, 0)

	for key, record := range w.results {
		if matches(key, filter) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return lessKey(
			resultKey{records[i].ExperimentID, records[i].Stage, records[i].Label},
			resultKey{records[j].ExperimentID, records[j].Stage, records[j].Label},
		)
	})

	return records, nil
}

func (w *MemoryWriter) GetMetadataRecords(_ context.Context, filter results.ResultFilter) ([]models.MetadataRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	records := make([]models.MetadataRecord, 0)

	for key, record := range w.metadata {
		if matches(key, filter) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return lessKey(
			resultKey{records[i].ExperimentID, records[i].Stage, records[i].Label},
			resultKey{records[j].ExperimentID, records[j].Stage, records[j].Label},
		)
	})

	return records, nil
}

// GetLastResultOfExperiment returns the result with the highest stage, or nil.
func (w *MemoryWriter) GetLastResultOfExperiment(ctx context.Context, experimentID int64) (*models.ResultRecord, error) {
	records, err := w.GetResults(ctx, results.ResultFilter{ExperimentID: &experimentID})
	if err != nil || len(records) == 0 {
		return nil, err
	}

	last := records[len(records)-1]

	return &last, nil
}

func (w *MemoryWriter) GetFigures(_ context.Context, experimentID int64) ([]models.FigureRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return append([]models.FigureRecord{}, w.figures[experimentID]...), nil
}

func (w *MemoryWriter) GetNodes(_ context.Context, experimentID int64) ([]models.NodeRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return append([]models.NodeRecord{}, w.nodes[experimentID]...), nil
}

// GetResultsFromNode groups the results of every invocation of the node labelled nodeLabel.
func (w *MemoryWriter) GetResultsFromNode(ctx context.Context, nodeLabel string, experimentID *int64, resultLabel string) ([]models.NodeResults, error) {
	w.mu.RLock()

	stageIDs := make([]int, 0)

	for id, nodes := range w.nodes {
		if experimentID != nil && id != *experimentID {
			continue
		}

		for _, node := range nodes {
			if node.Label == nodeLabel {
				stageIDs = append(stageIDs, node.StageID)
			}
		}
	}

	w.mu.RUnlock()

	if len(stageIDs) == 0 {
		return nil, errdefs.Newf("GetResultsFromNode", nodeLabel, errdefs.ErrNotFound, "node %s not found", nodeLabel)
	}

	sort.Ints(stageIDs)

	nodeResults := make([]models.NodeResults, 0, len(stageIDs))

	for _, stageID := range stageIDs {
		stage := stageID

		records, err := w.GetResults(ctx, results.ResultFilter{ExperimentID: experimentID, Label: resultLabel, Stage: &stage})
		if err != nil {
			return nil, err
		}

		nodeResults = append(nodeResults, models.NodeResults{StageID: stageID, Results: records})
	}

	return nodeResults, nil
}

func (w *MemoryWriter) experiment(op string, experimentID int64) (*models.ExperimentRecord, error) {
	record, ok := w.experiments[experimentID]
	if !ok {
		return nil, errdefs.NotFound(op, fmt.Sprintf("experiment %d", experimentID))
	}

	return record, nil
}

func (w *MemoryWriter) validateStruct(op, target string, value any) error {
	err := w.validate.Struct(value)
	if err != nil {
		return errdefs.InvalidArgument(op, target, err.Error())
	}

	return nil
}

func matches(key resultKey, filter results.ResultFilter) bool {
	if filter.ExperimentID != nil && key.experimentID != *filter.ExperimentID {
		return false
	}

	if filter.Label != "" && key.label != filter.Label {
		return false
	}

	return filter.Stage == nil || key.stage == *filter.Stage
}

func lessKey(a, b resultKey) bool {
	if a.experimentID != b.experimentID {
		return a.experimentID < b.experimentID
	}

	if a.stage != b.stage {
		return a.stage < b.stage
	}

	return a.label < b.label
}
