package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"apsbulk/internal/aps"
	"apsbulk/internal/bulk"
	"apsbulk/internal/checkpoint"
	"apsbulk/internal/config"
	"apsbulk/internal/metrics"
	"apsbulk/internal/observe"
	"apsbulk/internal/progress"
	"apsbulk/internal/storage"
	"apsbulk/internal/worker"
)

// Version is reported in traces and the user agent
var Version = "dev"

var (
	ErrNoProjects       = errors.New("no projects match the filter")
	ErrNothingToResume  = errors.New("no resumable operation found")
	ErrUnknownKind      = errors.New("unknown operation kind")
	ErrUploadHasFailure = errors.New("upload has failed parts and cannot be completed, start a new upload")
)

// AdminAPI is the APS surface used by admin operations
type AdminAPI interface {
	worker.ProjectUsers
	worker.FolderPermissions
	ProjectSource
	FindUserByEmail(ctx context.Context, accountID, email string) (aps.AccountUser, error)
}

// App wires the state store, executor and API clients together
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    checkpoint.Store
	executor *bulk.Executor
	metrics  *metrics.Collector
	tracing  *observe.Tracing
	admin    AdminAPI
	objects  map[string]storage.Client
	display  *progress.Display
}

// Option customizes an App
type Option func(*App)

// WithStore replaces the configured state store
func WithStore(s checkpoint.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAdminAPI replaces the APS admin client
func WithAdminAPI(api AdminAPI) Option {
	return func(a *App) { a.admin = api }
}

// WithObjectStore replaces the client used for an upload target
func WithObjectStore(target string, c storage.Client) Option {
	return func(a *App) { a.objects[target] = c }
}

// WithProgressOutput renders progress to w instead of stderr
func WithProgressOutput(w io.Writer, interactive bool) Option {
	return func(a *App) { a.display = progress.NewDisplay(w, interactive) }
}

// New creates a new application instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		objects: make(map[string]storage.Client),
	}
	if cfg.ShowProgress {
		a.display = progress.NewDisplay(os.Stderr, progress.IsTerminalSupported())
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		store, err := openStore(cfg.State)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		a.store = store
	}

	tracing, err := observe.Setup(ctx, observe.Config{
		ServiceName: "apsbulk",
		Version:     Version,
		Exporter:    cfg.Tracing,
		SamplePct:   1.0,
	})
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.tracing = tracing

	if a.admin == nil || a.objects[config.TargetAPS] == nil {
		client, err := aps.New(aps.Config{
			BaseURL:         cfg.APS.BaseURL,
			Token:           cfg.APS.Token,
			MaxConnsPerHost: cfg.APS.MaxConnsPerHost,
			RequestTimeout:  cfg.RequestTimeout(),
			UserAgent:       "apsbulk/" + Version,
		}, logger.Named("aps"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create APS client: %w", err)
		}
		if a.admin == nil {
			a.admin = client
		}
		if a.objects[config.TargetAPS] == nil {
			a.objects[config.TargetAPS] = client.OSS()
		}
	}

	a.executor = bulk.NewExecutor(a.store,
		bulk.WithLogger(logger),
		bulk.WithRecorder(a.metrics),
		bulk.WithTracer(tracing.Tracer()),
	)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.StartServer(cfg.MetricsAddr); err != nil {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	return a, nil
}

func openStore(cfg config.StateConfig) (checkpoint.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return checkpoint.NewSQLiteStore(cfg.SQLitePath)
	default:
		return checkpoint.NewFileStore(cfg.Dir)
	}
}

// objectStore returns the upload client for target
func (a *App) objectStore(target string) (storage.Client, error) {
	if c, ok := a.objects[target]; ok {
		return c, nil
	}
	if target != config.TargetS3 {
		return nil, fmt.Errorf("unknown upload target %q", target)
	}
	if err := a.cfg.RequireS3(); err != nil {
		return nil, err
	}
	s3 := a.cfg.Upload.S3
	c, err := storage.NewMinIOClient(storage.Config{
		Endpoint:  s3.Endpoint,
		AccessKey: s3.AccessKey,
		SecretKey: s3.SecretKey,
		Region:    s3.Region,
		Secure:    s3.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	a.objects[target] = c
	return c, nil
}

// Metrics returns the metrics collector
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

func (a *App) onProgress(s progress.Snapshot) {
	a.metrics.ObserveProgress(s)
	if a.display != nil {
		a.display.Update(s)
	}
}

func (a *App) finishDisplay() {
	if a.display != nil {
		a.display.Finish()
	}
}

// UploadRequest describes a file upload
type UploadRequest struct {
	File        string
	Bucket      string
	Key         string
	ContentType string
}

// Upload uploads a file in parallel parts and completes the multipart
// upload once every part is in. An interrupted upload keeps its session
// open for resume.
func (a *App) Upload(ctx context.Context, req UploadRequest) (*bulk.Result, error) {
	if req.Bucket == "" {
		return nil, &bulk.ValidationError{Field: "bucket", Msg: "bucket is required"}
	}
	info, err := os.Stat(req.File)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &bulk.ValidationError{Field: "file", Msg: fmt.Sprintf("%s is a directory", req.File)}
	}
	if req.Key == "" {
		req.Key = filepath.Base(req.File)
	}
	if req.ContentType == "" {
		req.ContentType = mime.TypeByExtension(filepath.Ext(req.File))
		if req.ContentType == "" {
			req.ContentType = "application/octet-stream"
		}
	}

	target := a.cfg.Upload.Target
	if target == config.TargetAPS {
		if err := a.cfg.RequireAPS(); err != nil {
			return nil, err
		}
	}
	client, err := a.objectStore(target)
	if err != nil {
		return nil, err
	}

	parts, err := worker.PlanParts(info.Size(), a.cfg.Upload.PartSize)
	if err != nil {
		return nil, &bulk.ValidationError{Field: "part_size", Msg: err.Error()}
	}

	abs, err := filepath.Abs(req.File)
	if err != nil {
		return nil, err
	}
	params := worker.UploadParams{
		File:        abs,
		Bucket:      req.Bucket,
		Key:         req.Key,
		Target:      target,
		Size:        info.Size(),
		ModTime:     info.ModTime().Unix(),
		PartSize:    a.cfg.Upload.PartSize,
		ContentType: req.ContentType,
	}

	cfg := a.uploadConfig()
	if !cfg.DryRun {
		params.UploadID, err = client.NewMultipartUpload(ctx, req.Bucket, req.Key, storage.PutOptions{ContentType: req.ContentType})
		if err != nil {
			return nil, fmt.Errorf("failed to start multipart upload: %w", err)
		}
	}

	a.logger.Info("Starting upload",
		zap.String("file", abs),
		zap.String("bucket", req.Bucket),
		zap.String("key", req.Key),
		zap.String("target", target),
		zap.String("size", progress.FormatBytes(info.Size())),
		zap.Int("parts", len(parts)),
	)

	uploader := worker.NewPartUploader(client, params, a.logger)
	res, err := a.executor.Start(ctx, worker.KindUpload, params.Map(), worker.PartItems(parts), uploader.Process, cfg, a.onProgress)
	a.finishDisplay()
	a.discardDryRun(ctx, res)
	if err != nil {
		return res, err
	}
	return res, a.finalizeUpload(ctx, uploader, res)
}

// uploadConfig stops dispatching at the first failed part; a partial
// object is of no use. Parts cut off by a cancel are sent again on
// resume.
func (a *App) uploadConfig() bulk.Config {
	cfg := a.cfg.BulkConfig()
	cfg.Idempotent = true
	cfg.ContinueOnError = false
	cfg.RequeueAbandoned = true
	return cfg
}

func (a *App) finalizeUpload(ctx context.Context, u *worker.PartUploader, res *bulk.Result) error {
	if res.DryRun {
		return nil
	}
	log := a.logger.With(zap.String("operation_id", res.OperationID))

	if res.Counters.Failed > 0 {
		if err := u.Abort(ctx); err != nil {
			log.Warn("Failed to abort multipart upload", zap.Error(err))
		}
		return ErrUploadHasFailure
	}
	if res.Status != checkpoint.StatusCompleted {
		log.Info("Upload interrupted, resume with: apsbulk operations resume " + res.OperationID)
		return nil
	}

	state, err := a.executor.Status(ctx, res.OperationID)
	if err != nil {
		return err
	}
	if err := u.Complete(ctx, state); err != nil {
		if u.Uploaded(ctx) {
			log.Info("Object already present, treating upload as completed")
			return nil
		}
		return err
	}
	return nil
}

// AdminRequest describes a multi-project admin operation
type AdminRequest struct {
	Kind       string
	Email      string
	RoleID     string
	FromRoleID string
	Folder     string
	Level      string
	Filter     string
	Include    []string
	Exclude    []string
}

// Admin applies a membership change to every project matching the filter
func (a *App) Admin(ctx context.Context, req AdminRequest) (*bulk.Result, error) {
	if err := a.cfg.RequireAccount(); err != nil {
		return nil, err
	}
	if req.Email == "" {
		return nil, &bulk.ValidationError{Field: "email", Msg: "email is required"}
	}
	filter, err := ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	filter.Include = req.Include
	filter.Exclude = req.Exclude

	params := worker.MembershipParams{
		AccountID:  a.cfg.APS.AccountID,
		Email:      req.Email,
		RoleID:     req.RoleID,
		FromRoleID: req.FromRoleID,
		Folder:     req.Folder,
		Level:      req.Level,
	}
	// validate before any API call
	if _, err := a.membershipProcessor(req.Kind, params); err != nil {
		return nil, err
	}

	user, err := a.admin.FindUserByEmail(ctx, params.AccountID, params.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", params.Email, err)
	}
	params.UserID = user.ID

	projects, err := NewProjectLister(a.admin, a.logger).List(ctx, params.AccountID, filter)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, ErrNoProjects
	}

	p, err := a.membershipProcessor(req.Kind, params)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Starting admin operation",
		zap.String("kind", req.Kind),
		zap.String("email", params.Email),
		zap.String("user_id", params.UserID),
		zap.Int("projects", len(projects)),
	)

	cfg := a.cfg.BulkConfig()
	cfg.Idempotent = worker.Idempotent(req.Kind)
	res, err := a.executor.Start(ctx, req.Kind, params.Map(), worker.ProjectItems(projects), p, cfg, a.onProgress)
	a.finishDisplay()
	a.discardDryRun(ctx, res)
	return res, err
}

// discardDryRun removes the state of a preview so it is never resumed
func (a *App) discardDryRun(ctx context.Context, res *bulk.Result) {
	if res == nil || !res.DryRun {
		return
	}
	if err := a.store.Delete(context.WithoutCancel(ctx), res.OperationID); err != nil {
		a.logger.Warn("Failed to remove dry run state", zap.String("operation_id", res.OperationID), zap.Error(err))
	}
}

func (a *App) membershipProcessor(kind string, p worker.MembershipParams) (bulk.Processor, error) {
	switch kind {
	case worker.KindAddUser:
		return worker.AddUser(a.admin, p), nil
	case worker.KindRemoveUser:
		return worker.RemoveUser(a.admin, p), nil
	case worker.KindUpdateRole:
		if p.RoleID == "" {
			return nil, &bulk.ValidationError{Field: "role", Msg: "role id is required"}
		}
		return worker.UpdateRole(a.admin, p), nil
	case worker.KindFolderRights:
		return worker.FolderRights(a.admin, p)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Resume continues operation id, or the most recently updated resumable
// operation when id is empty.
func (a *App) Resume(ctx context.Context, id string) (*bulk.Result, error) {
	if id == "" {
		var err error
		if id, err = a.latestResumable(ctx); err != nil {
			return nil, err
		}
	}
	state, err := a.executor.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Resuming operation",
		zap.String("operation_id", id),
		zap.String("kind", state.Kind),
		zap.String("status", string(state.Status)),
		zap.Int("done", state.Counters.Done()),
		zap.Int("total", state.Counters.Total),
	)

	switch state.Kind {
	case worker.KindUpload:
		return a.resumeUpload(ctx, state)
	case worker.KindAddUser, worker.KindRemoveUser, worker.KindUpdateRole, worker.KindFolderRights:
		return a.resumeAdmin(ctx, state)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, state.Kind)
}

func (a *App) latestResumable(ctx context.Context) (string, error) {
	ops, err := a.store.List(ctx, checkpoint.Filter{})
	if err != nil {
		return "", err
	}
	for _, op := range ops {
		if op.Status != checkpoint.StatusCompleted && op.Counters.Pending+op.Counters.InFlight > 0 {
			return op.ID, nil
		}
	}
	return "", ErrNothingToResume
}

func (a *App) resumeUpload(ctx context.Context, state *checkpoint.OperationState) (*bulk.Result, error) {
	var params worker.UploadParams
	if err := worker.DecodeParams(state.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: %w", bulk.ErrCannotResume, err)
	}
	if state.Counters.Failed > 0 {
		return nil, fmt.Errorf("%w: %w", bulk.ErrCannotResume, ErrUploadHasFailure)
	}
	if params.UploadID == "" {
		return nil, fmt.Errorf("%w: %s has no upload session", bulk.ErrCannotResume, state.ID)
	}
	if err := params.CheckSource(); err != nil {
		return nil, fmt.Errorf("%w: %w", bulk.ErrCannotResume, err)
	}
	if params.Target == config.TargetAPS {
		if err := a.cfg.RequireAPS(); err != nil {
			return nil, err
		}
	}
	client, err := a.objectStore(params.Target)
	if err != nil {
		return nil, err
	}
	uploader := worker.NewPartUploader(client, params, a.logger)

	// every part is in but completion did not go through
	if state.Status == checkpoint.StatusCompleted {
		res := bulk.NewResult(state, 0)
		return res, a.finalizeUpload(ctx, uploader, res)
	}

	res, err := a.executor.Resume(ctx, state.ID, uploader.Process, a.uploadConfig(), a.onProgress)
	a.finishDisplay()
	if err != nil {
		return res, err
	}
	return res, a.finalizeUpload(ctx, uploader, res)
}

func (a *App) resumeAdmin(ctx context.Context, state *checkpoint.OperationState) (*bulk.Result, error) {
	var params worker.MembershipParams
	if err := worker.DecodeParams(state.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: %w", bulk.ErrCannotResume, err)
	}
	if err := a.cfg.RequireAPS(); err != nil {
		return nil, err
	}
	p, err := a.membershipProcessor(state.Kind, params)
	if err != nil {
		return nil, err
	}

	cfg := a.cfg.BulkConfig()
	cfg.Idempotent = worker.Idempotent(state.Kind)
	res, err := a.executor.Resume(ctx, state.ID, p, cfg, a.onProgress)
	a.finishDisplay()
	return res, err
}

// Cancel cancels an operation
func (a *App) Cancel(ctx context.Context, id string) error {
	if err := a.executor.Cancel(ctx, id); err != nil {
		return err
	}
	a.logger.Info("Operation cancelled", zap.String("operation_id", id))
	return nil
}

// List returns operation summaries, most recently updated first
func (a *App) List(ctx context.Context, filter checkpoint.Filter) ([]checkpoint.Summary, error) {
	return a.store.List(ctx, filter)
}

// Status returns the persisted state of an operation
func (a *App) Status(ctx context.Context, id string) (*checkpoint.OperationState, error) {
	return a.executor.Status(ctx, id)
}

// Delete removes an operation that is not running here or in another
// process
func (a *App) Delete(ctx context.Context, id string) error {
	if a.executor.Running(id) {
		return fmt.Errorf("%w: %s", bulk.ErrAlreadyRunning, id)
	}
	release, err := a.store.Lock(ctx, id)
	if errors.Is(err, checkpoint.ErrLocked) {
		return fmt.Errorf("%w: %w", bulk.ErrAlreadyRunning, err)
	}
	if err != nil {
		return err
	}
	defer release()

	if _, err := a.store.Load(ctx, id); err != nil {
		return err
	}
	return a.store.Delete(ctx, id)
}

// Close cleans up resources
func (a *App) Close() error {
	var result *multierror.Error
	if a.tracing != nil {
		if err := a.tracing.Shutdown(context.Background()); err != nil {
			result = multierror.Append(result, fmt.Errorf("tracing: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("state store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
