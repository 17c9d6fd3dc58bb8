package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joescharf/tsr/internal/git"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/rules"
)

// Well-known artifact names inside a results directory.
const (
	EvalResultsFile         = "eval_results.json"
	RequirementCoverageFile = "requirement_coverage.json"
)

// unknown is recorded for manifest fields git could not provide.
const unknown = "unknown"

// Options describe one build.
type Options struct {
	ResultsDir string
	// RepoPath is the checkout the manifest is read from. Defaults to ".".
	RepoPath    string
	CodebaseSHA string
	// TestbaseSHA and PromptsSHA default to CodebaseSHA when the tests and
	// prompts live in the same repository.
	TestbaseSHA            string
	PromptsSHA             string
	PromptsVersion         string
	Environment            models.Environment
	TriggeredBy            string
	ManualApprovalRequired bool
}

// SkippedArtifact records an input file that could not be used.
type SkippedArtifact struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is a built report plus whatever was left out of it.
type Result struct {
	Report  *models.TestSummaryReport
	Skipped []SkippedArtifact
}

// Builder turns a directory of test artifacts into an evaluated report.
type Builder struct {
	engine *rules.Engine
	git    git.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used to report skipped artifacts.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithClock overrides the report creation time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// New creates a Builder.
func New(engine *rules.Engine, gc git.Client, opts ...Option) *Builder {
	b := &Builder{
		engine: engine,
		git:    gc,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build parses every *.xml file in the results directory plus the optional
// eval and requirement artifacts, attaches a version manifest and applies
// the decision engine. A malformed artifact is skipped and recorded; only an
// unreadable results directory fails the build.
func (b *Builder) Build(ctx context.Context, opts Options) (*Result, error) {
	if opts.ResultsDir == "" {
		return nil, errors.New("results directory is required")
	}
	info, err := os.Stat(opts.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("results directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("results directory %s is not a directory", opts.ResultsDir)
	}

	r := models.NewReport()
	r.CreatedAt = b.now().UTC()
	if opts.TriggeredBy != "" {
		r.TriggeredBy = opts.TriggeredBy
	}
	if opts.Environment != "" {
		r.Environment = opts.Environment
	}
	r.ManualApprovalRequired = opts.ManualApprovalRequired
	r.Versions = b.manifest(opts)

	res := &Result{Report: r}

	xmlFiles, err := filepath.Glob(filepath.Join(opts.ResultsDir, "*.xml"))
	if err != nil {
		return nil, fmt.Errorf("list junit files: %w", err)
	}
	sort.Strings(xmlFiles)
	for _, path := range xmlFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, err := parseJUnitFile(path)
		if err != nil {
			b.skip(res, path, err)
			continue
		}
		r.TestResults = append(r.TestResults, tr)
	}

	evalPath := filepath.Join(opts.ResultsDir, EvalResultsFile)
	if iterations, err := readEvalResults(evalPath); err == nil {
		r.EvalIterations = iterations
	} else if !errors.Is(err, fs.ErrNotExist) {
		b.skip(res, evalPath, err)
	}

	covPath := filepath.Join(opts.ResultsDir, RequirementCoverageFile)
	if reqs, err := readRequirementCoverage(covPath); err == nil {
		r.RequirementCoverage = reqs
	} else if !errors.Is(err, fs.ErrNotExist) {
		b.skip(res, covPath, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.engine.Apply(r)
	return res, nil
}

func (b *Builder) skip(res *Result, path string, err error) {
	b.logger.Warn("skipping artifact", "path", path, "error", err)
	res.Skipped = append(res.Skipped, SkippedArtifact{Path: path, Reason: err.Error()})
}

// manifest fills the version manifest from options and git. Lookups that
// fail fall back to "unknown" instead of failing the build.
func (b *Builder) manifest(opts Options) *models.VersionManifest {
	repo := opts.RepoPath
	if repo == "" {
		repo = "."
	}

	sha := opts.CodebaseSHA
	if sha == "" {
		if head, err := b.git.HeadCommit(repo); err == nil && head != "" {
			sha = head
		} else {
			sha = unknown
		}
	}

	m := &models.VersionManifest{
		CodebaseSHA:    sha,
		CodebaseBranch: unknown,
		CodebaseRepo:   unknown,
		TestbaseSHA:    opts.TestbaseSHA,
		PromptsSHA:     opts.PromptsSHA,
		PromptsVersion: opts.PromptsVersion,
	}
	if branch, err := b.git.CurrentBranch(repo); err == nil && branch != "" {
		m.CodebaseBranch = branch
	}
	if url, err := b.git.RemoteURL(repo); err == nil && url != "" {
		m.CodebaseRepo = url
	}
	if m.TestbaseSHA == "" {
		m.TestbaseSHA = sha
	}
	if m.PromptsSHA == "" {
		m.PromptsSHA = sha
	}
	return m
}

func parseJUnitFile(path string) (models.TestTypeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.TestTypeResult{}, err
	}
	defer func() { _ = f.Close() }()
	return ParseJUnit(f, InferTestType(filepath.Base(path)))
}

type evalResultsArtifact struct {
	Iterations []models.EvalIterationSummary `json:"iterations"`
}

// readEvalResults loads eval_results.json. Any invalid iteration rejects the
// whole artifact.
func readEvalResults(path string) ([]models.EvalIterationSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc evalResultsArtifact
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse eval results: %w", err)
	}

	iterations := make([]models.EvalIterationSummary, 0, len(doc.Iterations))
	for i, it := range doc.Iterations {
		if it.FailureModes == nil {
			it.FailureModes = []models.FailureMode{}
		}
		if it.FixesApplied == nil {
			it.FixesApplied = []map[string]any{}
		}
		for j := range it.FailureModes {
			if it.FailureModes[j].ResolutionStatus == "" {
				it.FailureModes[j].ResolutionStatus = models.ResolutionOpen
			}
		}
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("eval iteration %d: %w", i, err)
		}
		iterations = append(iterations, it)
	}
	return iterations, nil
}

type requirementCoverageArtifact struct {
	Requirements []models.RequirementCoverage `json:"requirements"`
}

func readRequirementCoverage(path string) ([]models.RequirementCoverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc requirementCoverageArtifact
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse requirement coverage: %w", err)
	}

	reqs := make([]models.RequirementCoverage, 0, len(doc.Requirements))
	for i, rc := range doc.Requirements {
		if rc.TestIDs == nil {
			rc.TestIDs = []string{}
		}
		if err := rc.Validate(); err != nil {
			return nil, fmt.Errorf("requirement %d: %w", i, err)
		}
		reqs = append(reqs, rc)
	}
	return reqs, nil
}
