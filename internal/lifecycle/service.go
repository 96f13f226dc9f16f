// Package lifecycle は購読とフェッチジョブのライフサイクル同期を提供する。
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpull/internal/bus"
	"github.com/hitoshi/feedpull/internal/model"
	"github.com/hitoshi/feedpull/internal/repository"
)

// Service は購読リレーションとフェッチジョブの有効状態を同期するサービス。
// ジョブのenabledの真実は常に「アクティブな購読者が1人以上存在するか」であり、
// 同期は存在副問い合わせを含む単一の条件付きUPDATEで行われる。
// 読んでから書く方式を採らないため、並行する購読・解除とレースしない。
type Service struct {
	jobRepo    repository.JobRepository
	sourceRepo repository.SourceRepository
	subRepo    repository.SubscriptionRepository
	publisher  bus.Publisher
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	jobRepo repository.JobRepository,
	sourceRepo repository.SourceRepository,
	subRepo repository.SubscriptionRepository,
	publisher bus.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		jobRepo:    jobRepo,
		sourceRepo: sourceRepo,
		subRepo:    subRepo,
		publisher:  publisher,
		logger:     logger,
	}
}

// Subscribe はユーザーのソース購読を作成し、フェッチジョブを保証する。
// 購読の作成は冪等であり、解除済みの購読は再有効化される。
// ジョブはEnsureJobで冪等に作成・有効化されるため、再購読が
// ジョブ不在のソースを残すことはない。
func (s *Service) Subscribe(ctx context.Context, userID, sourceID string) error {
	source, err := s.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if source == nil {
		return model.NewSourceNotFoundError(sourceID)
	}

	sub := &model.Subscription{
		ID:       uuid.New().String(),
		UserID:   userID,
		SourceID: sourceID,
		Active:   true,
	}
	if err := s.subRepo.Create(ctx, sub); err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	if _, err := s.jobRepo.EnsureJob(ctx, model.JobTypeFetchSource, sourceID); err != nil {
		return fmt.Errorf("フェッチジョブの保証に失敗しました: %w", err)
	}

	if _, err := s.SyncEnabled(ctx, sourceID); err != nil {
		return err
	}

	s.logger.Info("購読を作成しました",
		slog.String("user_id", userID),
		slog.String("source_id", sourceID),
	)

	return nil
}

// Unsubscribe はユーザーのソース購読を解除し、ジョブの有効状態を同期する。
// 最後のアクティブな購読者が解除された場合、ジョブは無効化される。
// ジョブ行は削除されず、再購読時に再有効化される。
func (s *Service) Unsubscribe(ctx context.Context, userID, sourceID string) error {
	if err := s.subRepo.SetActive(ctx, userID, sourceID, false); err != nil {
		return fmt.Errorf("購読の解除に失敗しました: %w", err)
	}

	if _, err := s.SyncEnabled(ctx, sourceID); err != nil {
		return err
	}

	s.logger.Info("購読を解除しました",
		slog.String("user_id", userID),
		slog.String("source_id", sourceID),
	)

	return nil
}

// SyncEnabled はソースのフェッチジョブのenabledを購読者の存在と一致させ、
// 同期後の値を返す。有効/無効の遷移が起きた場合はライフサイクルイベントを
// 発行する。ジョブが存在しない場合は(false, nil)を返す。
func (s *Service) SyncEnabled(ctx context.Context, sourceID string) (bool, error) {
	prior, err := s.jobRepo.FindByTypeAndPayload(ctx, model.JobTypeFetchSource, sourceID)
	if err != nil {
		return false, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	if prior == nil {
		return false, nil
	}

	enabled, err := s.jobRepo.SyncEnabled(ctx, model.JobTypeFetchSource, sourceID)
	if err != nil {
		return false, fmt.Errorf("ジョブ有効状態の同期に失敗しました: %w", err)
	}

	if enabled != prior.Enabled {
		event := bus.LifecycleEvent{SourceID: sourceID, Enabled: enabled, At: time.Now()}
		if err := s.publisher.Publish(ctx, bus.TopicSourceLifecycle, event); err != nil {
			s.logger.Warn("ライフサイクルイベントの発行に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)
		}

		s.logger.Info("フェッチジョブの有効状態が遷移しました",
			slog.String("source_id", sourceID),
			slog.Bool("enabled", enabled),
		)
	}

	return enabled, nil
}
