package daemon

import (
	"context"

	"github.com/mercuryim/mercury/internal/api"
	"github.com/mercuryim/mercury/internal/attachment"
	"github.com/mercuryim/mercury/internal/bus"
	"github.com/mercuryim/mercury/internal/config"
	"github.com/mercuryim/mercury/internal/job"
	"github.com/mercuryim/mercury/internal/lock"
	"github.com/mercuryim/mercury/internal/logging"
	"github.com/mercuryim/mercury/internal/session"
	"github.com/mercuryim/mercury/internal/status"
	"github.com/mercuryim/mercury/internal/store"
	intsync "github.com/mercuryim/mercury/internal/sync"
	"github.com/mercuryim/mercury/internal/taskstore"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SelfUserID  string

	// Remote collaborators. A nil collaborator leaves its job kind
	// unregistered; such jobs fail terminally instead of hanging.
	Directory intsync.Directory
	Announcer intsync.Announcer
	Fetcher   attachment.Fetcher
	Uploader  attachment.Uploader
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStores,
			provideQueue,
			provideSyncer,
			provideConversationService,
			provideJobService,
		),
		fx.Invoke(registerExecutors, registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStores opens and migrates both profile stores, walking the status
// machine through the open ladder. Any failure parks the machine in Error
// and aborts startup.
func provideStores(p Params, _ *lock.Lock, machine *status.Machine, logger *zap.Logger) (*store.DB, *taskstore.DB, error) {
	fail := func(err error) (*store.DB, *taskstore.DB, error) {
		_ = machine.Transition(status.Error)
		return nil, nil, err
	}

	if err := machine.Transition(status.Opening); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(session.DBPath(p.ProfileName))
	if err != nil {
		return fail(err)
	}
	tasks, err := taskstore.Open(session.TaskDBPath(p.ProfileName))
	if err != nil {
		_ = db.Close()
		return fail(err)
	}

	if err := machine.Transition(status.Migrating); err != nil {
		_ = db.Close()
		_ = tasks.Close()
		return nil, nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = tasks.Close()
		return fail(err)
	}
	taskResult, err := tasks.Migrate()
	if err != nil {
		_ = db.Close()
		_ = tasks.Close()
		return fail(err)
	}
	logger.Info("stores migrated",
		zap.Uint("mirror_version", result.Version),
		zap.Uint("task_version", taskResult.Version),
		zap.Bool("changed", result.Changed || taskResult.Changed))

	if err := machine.Transition(status.Ready); err != nil {
		_ = db.Close()
		_ = tasks.Close()
		return nil, nil, err
	}
	logger.Info("stores ready", zap.String("profile", p.ProfileName))
	return db, tasks, nil
}

func provideQueue(tasks *taskstore.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *job.Queue {
	return job.NewQueue(tasks, b, logger, cfg.Jobs)
}

func provideSyncer(db *store.DB, queue *job.Queue, b *bus.Bus, logger *zap.Logger, p Params) *intsync.Syncer {
	return intsync.New(db, queue, b, logger, p.SelfUserID)
}

func provideConversationService(db *store.DB, syncer *intsync.Syncer) *api.ConversationService {
	return api.NewConversationService(db, syncer)
}

func provideJobService(queue *job.Queue) *api.JobService {
	return api.NewJobService(queue)
}

func registerExecutors(p Params, queue *job.Queue, db *store.DB, syncer *intsync.Syncer, logger *zap.Logger) {
	attachmentsDir := session.AttachmentsDir(p.ProfileName)
	queue.RegisterExecutor(job.KindAttachmentCleanup, attachment.NewCleanupExecutor(attachmentsDir, logger))
	if p.Directory != nil {
		queue.RegisterExecutor(job.KindRefreshUser, intsync.NewRefreshUserExecutor(db, p.Directory, logger))
	}
	if p.Announcer != nil {
		queue.RegisterExecutor(job.KindExitConversation, intsync.NewExitConversationExecutor(syncer, p.Announcer))
	}
	if p.Fetcher != nil {
		queue.RegisterExecutor(job.KindAttachmentDownload, attachment.NewDownloadExecutor(db, p.Fetcher, attachmentsDir, logger))
	}
	if p.Uploader != nil {
		queue.RegisterExecutor(job.KindAttachmentUpload, attachment.NewUploadExecutor(db, p.Uploader, attachmentsDir, logger))
	}
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, tasks *taskstore.DB,
	queue *job.Queue, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Resubmit whatever the last run left behind before accepting
			// new work.
			if err := queue.Recover(); err != nil {
				return err
			}
			queue.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			queue.Stop()
			var err error
			err = multierr.Append(err, db.Close())
			err = multierr.Append(err, tasks.Close())
			_ = machine.Transition(status.Closed)
			if lerr := lk.Release(); lerr != nil {
				logger.Warn("error releasing lock", zap.Error(lerr))
			}
			logger.Info("daemon stopped")
			return err
		},
	})
}
