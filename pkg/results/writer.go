package results

import (
	"context"

	"github.com/dukex/entropy/pkg/models"
)

// DataWriter records what an experiment produces.
type DataWriter interface {
	OpenExperiment(ctx context.Context, data models.ExperimentInitialData) (int64, error)
	CloseExperiment(ctx context.Context, experimentID int64, data models.ExperimentEndData) error
	SaveResult(ctx context.Context, experimentID int64, result models.RawResultData) error
	SaveMetadata(ctx context.Context, experimentID int64, metadata models.Metadata) error
	SaveFigure(ctx context.Context, experimentID int64, figure models.Figure) error
	SavePlot(ctx context.Context, experimentID int64, plot models.PlotSpec) error
	SaveNode(ctx context.Context, experimentID int64, node models.NodeData) error
	SaveDebug(ctx context.Context, experimentID int64, debug models.Debug) error
}

// Reader reads back what a DataWriter recorded.
type Reader interface {
	GetExperimentRecord(ctx context.Context, experimentID int64) (*models.ExperimentRecord, error)
	GetResults(ctx context.Context, filter ResultFilter) ([]models.ResultRecord, error)
	GetMetadataRecords(ctx context.Context, filter ResultFilter) ([]models.MetadataRecord, error)
	GetLastResultOfExperiment(ctx context.Context, experimentID int64) (*models.ResultRecord, error)
	GetFigures(ctx context.Context, experimentID int64) ([]models.FigureRecord, error)
	GetNodes(ctx context.Context, experimentID int64) ([]models.NodeRecord, error)
	GetResultsFromNode(ctx context.Context, nodeLabel string, experimentID *int64, resultLabel string) ([]models.NodeResults, error)
}

var (
	_ DataWriter = (*Store)(nil)
	_ Reader     = (*Store)(nil)
)
