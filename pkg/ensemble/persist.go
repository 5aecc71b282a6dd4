// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ensemble

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/salesforecast/internal/fsutil"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ManifestFileName is the name of the ensemble manifest, saved in the models directory.
const ManifestFileName = "ensemble.json"

// manifestVersion is incremented on incompatible changes of the manifest format.
const manifestVersion = 1

// Manifest describes a trained ensemble on disk: enough to reload it for prediction without retraining.
type Manifest struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// MaxLogTarget is the target normalization constant, computed over train and validation targets at training.
	MaxLogTarget float64 `json:"max_log_target"`

	Schema  []ManifestColumn `json:"schema"`
	Members []ManifestMember `json:"members"`
}

// ManifestColumn is the description of one schema column.
type ManifestColumn struct {
	Name         string `json:"name"`
	Cardinality  int    `json:"cardinality"`
	EmbeddingDim int    `json:"embedding_dim"`
	Numeric      bool   `json:"numeric,omitempty"`
}

// ManifestMember describes one member. Dir is relative to the manifest directory.
type ManifestMember struct {
	Dir                string   `json:"dir"`
	Seed               int64    `json:"seed"`
	Epochs             int      `json:"epochs,omitempty"`
	BestEpoch          int      `json:"best_epoch,omitempty"`
	BestValidationLoss *float64 `json:"best_validation_loss,omitempty"`
}

// Save writes the ensemble manifest to dir/ensemble.json. The member checkpoints must already be in their
// directories, which is the case after Train.
func (e *Ensemble) Save(dir, runID string) error {
	manifest := &Manifest{
		Version:      manifestVersion,
		RunID:        runID,
		CreatedAt:    time.Now().UTC(),
		MaxLogTarget: e.Transform.MaxLogTarget,
	}
	for _, col := range e.Schema.Columns {
		manifest.Schema = append(manifest.Schema, ManifestColumn(col))
	}
	for ii, m := range e.Members {
		memberDir, err := filepath.Rel(dir, m.Dir)
		if err != nil {
			memberDir = m.Dir
		}
		member := ManifestMember{Dir: filepath.ToSlash(memberDir)}
		if ii < len(e.Seeds) {
			member.Seed = e.Seeds[ii]
		}
		if ii < len(e.Reports) && e.Reports[ii] != nil {
			report := e.Reports[ii]
			member.Epochs = report.Epochs
			member.BestEpoch = report.BestEpoch
			if loss := report.BestValidationLoss(); !math.IsNaN(loss) {
				member.BestValidationLoss = &loss
			}
		}
		manifest.Members = append(manifest.Members, member)
	}
	contents, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding ensemble manifest")
	}
	path := filepath.Join(dir, ManifestFileName)
	if err = fsutil.WriteFileAtomic(path, contents); err != nil {
		return err
	}
	klog.V(1).Infof("Ensemble manifest saved to %q", path)
	return nil
}

// ReadManifest reads and parses an ensemble manifest.
func ReadManifest(path string) (*Manifest, error) {
	if err := fsutil.RequireFile(path, "ensemble manifest"); err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ensemble manifest %q", path)
	}
	manifest := &Manifest{}
	if err = json.Unmarshal(contents, manifest); err != nil {
		return nil, errors.Wrapf(err, "parsing ensemble manifest %q", path)
	}
	if manifest.Version != manifestVersion {
		return nil, errors.Errorf("ensemble manifest %q has version %d, only version %d is supported",
			path, manifest.Version, manifestVersion)
	}
	if len(manifest.Members) == 0 {
		return nil, errors.Errorf("ensemble manifest %q has no members", path)
	}
	return manifest, nil
}

// Load restores a trained ensemble from dir/ensemble.json and the member checkpoints it lists.
func Load(backend backends.Backend, dir string) (*Ensemble, error) {
	manifest, err := ReadManifest(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	schema := features.Schema{}
	for _, col := range manifest.Schema {
		schema.Columns = append(schema.Columns, features.Column(col))
	}
	if err = schema.Validate(); err != nil {
		return nil, errors.WithMessage(err, "ensemble manifest schema")
	}
	transform := model.TargetTransform{MaxLogTarget: manifest.MaxLogTarget}
	e := &Ensemble{Schema: schema, Transform: transform}
	for ii, member := range manifest.Members {
		memberDir := filepath.FromSlash(member.Dir)
		if !filepath.IsAbs(memberDir) {
			memberDir = filepath.Join(dir, memberDir)
		}
		m, err := model.Load(backend, schema, transform, memberDir)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading ensemble member #%d", ii)
		}
		e.Members = append(e.Members, m)
		e.Seeds = append(e.Seeds, member.Seed)
	}
	klog.Infof("Loaded ensemble of %d members from %q (max log target %.4f)", e.Len(), dir, transform.MaxLogTarget)
	return e, nil
}

// ColumnEmbedding is the exported embedding table of one column.
type ColumnEmbedding struct {
	// Labels[code] is the label of row Values[code], if encoders were given.
	Labels []string    `json:"labels,omitempty"`
	Values [][]float32 `json:"values"`
}

// ExportEmbeddings writes the learned embedding tables of the first member to path, as a JSON object
// mapping column name to its table. If encoders is not nil, the labels of each table row are included.
func (e *Ensemble) ExportEmbeddings(path string, encoders *features.EncoderSet) error {
	if e.Len() == 0 {
		return errors.New("cannot export embeddings of an empty ensemble")
	}
	tables, err := e.Members[0].EmbeddingTables()
	if err != nil {
		return err
	}
	out := make(map[string]ColumnEmbedding, len(tables))
	for ii, table := range tables {
		col := ColumnEmbedding{Values: table.Values}
		if encoders != nil && ii < len(encoders.Encoders) {
			col.Labels = encoders.Encoders[ii].Labels
		}
		out[table.Column] = col
	}
	contents, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "encoding embeddings")
	}
	if err = fsutil.WriteFileAtomic(path, contents); err != nil {
		return err
	}
	klog.Infof("Embeddings of %d columns exported to %q", len(tables), path)
	return nil
}
