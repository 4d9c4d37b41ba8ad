package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
)

// ModelArtifact is a serialized tree ensemble. Trees are stored as flat
// node arrays; index 0 is the root and leaves carry the margin value.
type ModelArtifact struct {
	Version     string        `json:"version"`
	NumFeatures int           `json:"num_features"`
	BaseScore   float64       `json:"base_score"`
	Trees       []Tree        `json:"trees"`
	Attribution []Attribution `json:"attributions"`
}

type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

// Attribution carries the per-feature weight and baseline used to rank
// feature contributions for a scored transaction.
type Attribution struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	Baseline float64 `json:"baseline"`
}

// Calibration maps raw model scores onto calibrated probabilities via
// monotone piecewise-linear interpolation.
type Calibration struct {
	Points []CalibrationPoint `json:"points"`
}

type CalibrationPoint struct {
	Raw        float64 `json:"raw"`
	Calibrated float64 `json:"calibrated"`
}

// LoadModelArtifact reads and validates a model artifact from disk.
func LoadModelArtifact(path string) (*ModelArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var artifact ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	if artifact.NumFeatures != models.FeatureCount {
		return nil, fmt.Errorf("model artifact expects %d features, engine produces %d", artifact.NumFeatures, models.FeatureCount)
	}
	if len(artifact.Trees) == 0 {
		return nil, fmt.Errorf("model artifact contains no trees")
	}
	for ti, tree := range artifact.Trees {
		for ni, node := range tree.Nodes {
			if node.Leaf {
				continue
			}
			if node.Feature < 0 || node.Feature >= models.FeatureCount {
				return nil, fmt.Errorf("tree %d node %d references feature %d out of range", ti, ni, node.Feature)
			}
			if node.Left < 0 || node.Left >= len(tree.Nodes) || node.Right < 0 || node.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("tree %d node %d has child index out of range", ti, ni)
			}
		}
	}

	log.Info().Str("version", artifact.Version).Int("trees", len(artifact.Trees)).Msg("Model artifact loaded")
	return &artifact, nil
}

// LoadCalibration reads the calibration curve. A missing file is not an
// error; the scorer runs degraded with calibrated == raw.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read calibration: %w", err)
	}

	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("failed to parse calibration: %w", err)
	}
	if len(cal.Points) < 2 {
		return nil, fmt.Errorf("calibration requires at least 2 points, got %d", len(cal.Points))
	}
	for i := 1; i < len(cal.Points); i++ {
		if cal.Points[i].Raw <= cal.Points[i-1].Raw {
			return nil, fmt.Errorf("calibration points must be strictly increasing in raw score")
		}
	}
	return &cal, nil
}

// ModelScorer evaluates the tree ensemble and applies calibration.
// Immutable after construction and safe for concurrent use.
type ModelScorer struct {
	artifact     *ModelArtifact
	calibration  *Calibration
	topK         int
	degradedOnce sync.Once
}

const defaultTopFeatures = 3

func NewModelScorer(artifact *ModelArtifact, calibration *Calibration) *ModelScorer {
	return &ModelScorer{artifact: artifact, calibration: calibration, topK: defaultTopFeatures}
}

// Version reports the loaded artifact version.
func (s *ModelScorer) Version() string {
	return s.artifact.Version
}

// Score runs the ensemble over a feature vector. The raw score is the
// sigmoid of the summed tree margins; the calibrated score comes from
// the piecewise-linear curve, or equals raw when running degraded.
func (s *ModelScorer) Score(fv models.FeatureVector) models.MLScore {
	margin := s.artifact.BaseScore
	for _, tree := range s.artifact.Trees {
		margin += evalTree(tree, fv)
	}
	raw := sigmoid(margin)

	calibrated := raw
	if s.calibration != nil {
		calibrated = s.calibration.Apply(raw)
	} else {
		s.degradedOnce.Do(func() {
			log.Warn().Msg("No calibration curve loaded, scoring degraded with calibrated == raw")
		})
	}

	return models.MLScore{
		Raw:         raw,
		Calibrated:  calibrated,
		TopFeatures: s.topContributions(fv),
	}
}

func evalTree(tree Tree, fv models.FeatureVector) float64 {
	node := tree.Nodes[0]
	for !node.Leaf {
		if fv[node.Feature] < node.Threshold {
			node = tree.Nodes[node.Left]
		} else {
			node = tree.Nodes[node.Right]
		}
	}
	return node.Value
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// topContributions ranks features by |weight * (value - baseline)| and
// returns the strongest ones in descending order.
func (s *ModelScorer) topContributions(fv models.FeatureVector) []models.FeatureContribution {
	if len(s.artifact.Attribution) == 0 {
		return nil
	}

	contributions := make([]models.FeatureContribution, 0, len(s.artifact.Attribution))
	for _, attr := range s.artifact.Attribution {
		idx := featureIndex(attr.Name)
		if idx < 0 {
			continue
		}
		contributions = append(contributions, models.FeatureContribution{
			Name:         attr.Name,
			Value:        fv[idx],
			Contribution: attr.Weight * (fv[idx] - attr.Baseline),
		})
	}

	sort.SliceStable(contributions, func(i, j int) bool {
		return math.Abs(contributions[i].Contribution) > math.Abs(contributions[j].Contribution)
	})
	if len(contributions) > s.topK {
		contributions = contributions[:s.topK]
	}
	return contributions
}

func featureIndex(name string) int {
	for i, n := range models.FeatureNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Apply interpolates a raw score onto the calibrated curve. Scores
// outside the curve clamp to the endpoints.
func (c *Calibration) Apply(raw float64) float64 {
	points := c.Points
	if raw <= points[0].Raw {
		return points[0].Calibrated
	}
	last := points[len(points)-1]
	if raw >= last.Raw {
		return last.Calibrated
	}

	i := sort.Search(len(points), func(i int) bool { return points[i].Raw >= raw })
	lo, hi := points[i-1], points[i]
	t := (raw - lo.Raw) / (hi.Raw - lo.Raw)
	return lo.Calibrated + t*(hi.Calibrated-lo.Calibrated)
}
