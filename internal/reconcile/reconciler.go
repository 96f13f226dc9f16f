// Package reconcile は観測された記事集合と保存済み記事の照合を提供する。
package reconcile

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpull/internal/bus"
	"github.com/hitoshi/feedpull/internal/model"
	"github.com/hitoshi/feedpull/internal/repository"
	"github.com/hitoshi/feedpull/internal/security"
)

// Result はリコンシリエーション1サイクル分の集計。
type Result struct {
	Created   int
	Updated   int
	Unchanged int
}

// Reconciler は観測された記事をストアへ照合・反映するサービス。
// 3段階の同一性判定で既存記事を特定し、フィンガープリントが変化した
// 記事のみを更新する。更新時は変更前の内容をアーカイブしてから
// バージョンを進める。記事の削除は行わない。
type Reconciler struct {
	itemRepo  repository.ItemRepository
	sanitizer security.ContentSanitizerService
	publisher bus.Publisher
	logger    *slog.Logger
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
func NewReconciler(
	itemRepo repository.ItemRepository,
	sanitizer security.ContentSanitizerService,
	publisher bus.Publisher,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		itemRepo:  itemRepo,
		sanitizer: sanitizer,
		publisher: publisher,
		logger:    logger,
	}
}

// Reconcile は観測された記事集合をソースの保存済み記事と照合する。
// 同一性判定の優先順位:
//  1. (source_id, guid) - 最優先
//  2. (source_id, link) - 第2優先
//  3. (source_id, fallback_key) - GUIDもリンクも無い記事のベストエフォート
//
// フィンガープリント一致は無変更、変化はアーカイブ付き更新、
// 不一致は新規作成（version=1）となる。
func (r *Reconciler) Reconcile(
	ctx context.Context,
	sourceID string,
	items []model.ParsedItem,
) (Result, error) {
	var result Result
	if len(items) == 0 {
		return result, nil
	}

	now := time.Now()
	var createdIDs, updatedIDs []string

	for _, parsed := range items {
		sanitizedContent := r.sanitizer.Sanitize(parsed.Content)
		sanitizedSummary := r.sanitizer.Sanitize(parsed.Summary)

		fallbackKey := computeFallbackKey(parsed.Title, parsed.PublishedAt)
		fingerprint := computeFingerprint(parsed.Title, parsed.Link, sanitizedContent, sanitizedSummary)

		existing, err := r.findExistingItem(ctx, sourceID, parsed, fallbackKey)
		if err != nil {
			return result, fmt.Errorf("記事の同一性判定に失敗しました: %w", err)
		}

		switch {
		case existing == nil:
			item := r.buildNewItem(sourceID, parsed, sanitizedContent, sanitizedSummary, fallbackKey, fingerprint, now)
			if err := r.itemRepo.Create(ctx, item); err != nil {
				return result, fmt.Errorf("記事の作成に失敗しました: %w", err)
			}
			result.Created++
			createdIDs = append(createdIDs, item.ID)

		case existing.Fingerprint == fingerprint:
			result.Unchanged++

		default:
			updated := buildUpdatedItem(existing, parsed, sanitizedContent, sanitizedSummary, fingerprint, now)
			if err := r.itemRepo.ArchiveAndUpdate(ctx, existing, updated); err != nil {
				return result, fmt.Errorf("記事の更新に失敗しました: %w", err)
			}
			result.Updated++
			updatedIDs = append(updatedIDs, existing.ID)
		}
	}

	r.publishEvents(ctx, sourceID, createdIDs, updatedIDs, now)

	r.logger.Info("記事のリコンシリエーションが完了しました",
		slog.String("source_id", sourceID),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("unchanged", result.Unchanged),
	)

	return result, nil
}

// findExistingItem は3段階の同一性判定で既存記事を検索する。
func (r *Reconciler) findExistingItem(
	ctx context.Context,
	sourceID string,
	parsed model.ParsedItem,
	fallbackKey string,
) (*model.Item, error) {
	// 第1優先: source_id + guid
	if parsed.GUID != "" {
		return r.itemRepo.FindBySourceAndGUID(ctx, sourceID, parsed.GUID)
	}

	// 第2優先: source_id + link
	if parsed.Link != "" {
		return r.itemRepo.FindBySourceAndLink(ctx, sourceID, parsed.Link)
	}

	// 第3優先: source_id + fallback_key
	// タイトルと公開日時から導出した決定的キー。識別子を一切持たない
	// ソースのためのベストエフォートであり、多少の重複は許容する。
	return r.itemRepo.FindBySourceAndFallbackKey(ctx, sourceID, fallbackKey)
}

// buildNewItem は新規記事をversion=1で組み立てる。
func (r *Reconciler) buildNewItem(
	sourceID string,
	parsed model.ParsedItem,
	sanitizedContent, sanitizedSummary, fallbackKey, fingerprint string,
	now time.Time,
) *model.Item {
	return &model.Item{
		ID:          uuid.New().String(),
		SourceID:    sourceID,
		GUID:        parsed.GUID,
		Title:       parsed.Title,
		Link:        parsed.Link,
		Content:     sanitizedContent,
		Summary:     sanitizedSummary,
		Author:      parsed.Author,
		PublishedAt: parsed.PublishedAt,
		FallbackKey: fallbackKey,
		Fingerprint: fingerprint,
		Version:     1,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
}

// buildUpdatedItem は既存記事の更新後の姿を組み立てる。
// IDとFirstSeenAtは維持し、バージョンを1進める。
func buildUpdatedItem(
	existing *model.Item,
	parsed model.ParsedItem,
	sanitizedContent, sanitizedSummary, fingerprint string,
	now time.Time,
) *model.Item {
	updated := *existing
	updated.Title = parsed.Title
	updated.Link = parsed.Link
	updated.Content = sanitizedContent
	updated.Summary = sanitizedSummary
	updated.Author = parsed.Author
	updated.Fingerprint = fingerprint
	updated.Version = existing.Version + 1
	updated.UpdatedAt = now

	// 公開日時はパース結果にある場合のみ更新する
	if parsed.PublishedAt != nil {
		updated.PublishedAt = parsed.PublishedAt
	}

	return &updated
}

// publishEvents は作成・更新イベントをバスへ発行する。
// 配送はfire-and-forgetであり、発行失敗はサイクルを失敗させない。
func (r *Reconciler) publishEvents(ctx context.Context, sourceID string, createdIDs, updatedIDs []string, now time.Time) {
	if len(createdIDs) > 0 {
		event := bus.ItemsEvent{SourceID: sourceID, ItemIDs: createdIDs, At: now}
		if err := r.publisher.Publish(ctx, bus.TopicItemsCreated, event); err != nil {
			r.logger.Warn("記事作成イベントの発行に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(updatedIDs) > 0 {
		event := bus.ItemsEvent{SourceID: sourceID, ItemIDs: updatedIDs, At: now}
		if err := r.publisher.Publish(ctx, bus.TopicItemsUpdated, event); err != nil {
			r.logger.Warn("記事更新イベントの発行に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// computeFallbackKey はタイトルと公開日時から決定的な同一性キーを計算する。
func computeFallbackKey(title string, publishedAt *time.Time) string {
	pubStr := ""
	if publishedAt != nil {
		pubStr = publishedAt.UTC().Format(time.RFC3339)
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", title, pubStr)))
	return fmt.Sprintf("%x", hash)
}

// computeFingerprint はサニタイズ後のコンテンツからフィンガープリントを計算する。
// サニタイズ後の値を使うため、許可リスト外の属性の揺れには反応しない。
func computeFingerprint(title, link, content, summary string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", title, link, content, summary)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
