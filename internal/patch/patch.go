// Package patch дополняет закэшированную сводку категориями,
// которые ни разу не были загружены.
package patch

import (
	"context"
	"encoding/json"
	"net/http"

	"healthlink_gateway/internal/cache"
	"healthlink_gateway/internal/fetch"
	"healthlink_gateway/internal/identity"
	"healthlink_gateway/internal/inflight"
	"healthlink_gateway/internal/provider"
	"healthlink_gateway/types"

	"go.uber.org/zap"
)

type Source string

const (
	SourceCache        Source = "cache"
	SourceCacheHistory Source = "cache-history"
	SourceNetwork      Source = "network"
)

type Cache interface {
	Read(ctx context.Context, q cache.Lookup) *cache.Hit
	Write(ctx context.Context, entry *types.CacheEntry) *types.CacheEntry
}

type Executor interface {
	Execute(ctx context.Context, in fetch.Input) *fetch.Result
}

// Needs категории, которые нужно догрузить
type Needs struct {
	Targets []types.Target
	// MedicationNameBackfill строки лекарств есть, но без названий
	MedicationNameBackfill bool
}

func (n Needs) Empty() bool {
	return len(n.Targets) == 0
}

// DetectMissing отличает незаполненные категории от подтверждённо пустых
func DetectMissing(base *fetch.Normalized) Needs {
	var needs Needs
	if base == nil || base.Medication == nil || base.Medication.Rows == nil {
		needs.Targets = append(needs.Targets, types.TargetMedication)
	} else if len(base.Medication.Rows) > 0 && !fetch.HasMedicationNames(base.Medication.Rows) {
		needs.Targets = append(needs.Targets, types.TargetMedication)
		needs.MedicationNameBackfill = true
	}
	if base == nil || base.Checkup == nil || (base.Checkup.Overview == nil && base.Checkup.List == nil) {
		needs.Targets = append(needs.Targets, types.TargetCheckupOverview)
	}
	return needs
}

type Request struct {
	AppUserID    string
	IdentityHash string
	YearLimit    int
	FromDate     string
	ToDate       string
	SubjectType  string
	// BasePayload и DetailPayload nil, если нет действующей сессии провайдера
	BasePayload   provider.Payload
	DetailPayload provider.Payload
	AllowNetwork  bool
}

type Resolution struct {
	Result *fetch.Result
	Source Source
	Stale  bool
}

type Merger struct {
	cache    Cache
	executor Executor
	hasher   *identity.Hasher
	dedup    *inflight.Group
	logger   *zap.Logger
}

func NewMerger(c Cache, executor Executor, hasher *identity.Hasher, dedup *inflight.Group, logger *zap.Logger) *Merger {
	return &Merger{
		cache:    c,
		executor: executor,
		hasher:   hasher,
		dedup:    dedup,
		logger:   logger,
	}
}

// Patch догружает недостающие категории и сливает их с base.
// Возвращает base без изменений, если догрузить не удалось.
func (m *Merger) Patch(ctx context.Context, base *fetch.Normalized, req Request) (*fetch.Normalized, *Resolution) {
	needs := DetectMissing(base)
	if needs.Empty() {
		return base, nil
	}

	resolution := m.Resolve(ctx, needs, req)
	if resolution == nil || resolution.Result.Normalized == nil {
		return base, resolution
	}
	return Merge(base, resolution.Result.Normalized, needs), resolution
}

// Resolve ищет данные по порядку: кэш, история кэша, сеть.
// Свежая запись о неудаче по тому же ключу в сеть не пускает.
func (m *Merger) Resolve(ctx context.Context, needs Needs, req Request) *Resolution {
	if needs.Empty() {
		return nil
	}

	targets := types.TargetNames(needs.Targets)
	key := m.hasher.BuildRequestKey(identity.RequestInput{
		IdentityHash: req.IdentityHash,
		Targets:      targets,
		YearLimit:    req.YearLimit,
		FromDate:     req.FromDate,
		ToDate:       req.ToDate,
		SubjectType:  req.SubjectType,
	})
	lookup := cache.Lookup{
		AppUserID:    req.AppUserID,
		RequestHash:  key.RequestHash,
		IdentityHash: req.IdentityHash,
		Targets:      key.NormalizedTargets,
		YearLimit:    req.YearLimit,
		SubjectType:  req.SubjectType,
	}

	settled := false
	if hit := m.cache.Read(ctx, lookup); hit != nil {
		if res := m.acceptable(hit.Entry, needs); res != nil {
			return &Resolution{Result: res, Source: SourceCache}
		}
		settled = !hit.Stale && !hit.Entry.OK
	}

	lookup.AllowHistory = true
	if hit := m.cache.Read(ctx, lookup); hit != nil {
		if res := m.acceptable(hit.Entry, needs); res != nil {
			return &Resolution{Result: res, Source: SourceCacheHistory, Stale: hit.Stale}
		}
	}

	if settled {
		m.logger.Debug("summary patch already failed recently, skipping network",
			zap.String("identity_hash", req.IdentityHash),
			zap.String("request_hash", key.RequestHash))
		return nil
	}
	if !req.AllowNetwork || req.BasePayload == nil {
		return nil
	}

	res, err := inflight.Run(ctx, m.dedup, "patch", req.AppUserID+"|"+key.RequestHash, func(ctx context.Context) (*fetch.Result, error) {
		return m.fetchMissing(ctx, needs, req, key), nil
	})
	if err != nil {
		m.logger.Warn("summary patch fetch interrupted", zap.Error(err), zap.String("identity_hash", req.IdentityHash))
		return nil
	}

	if !res.OK || !satisfies(res, needs) {
		m.logger.Info("summary patch fetch did not produce usable data",
			zap.String("identity_hash", req.IdentityHash),
			zap.Bool("ok", res.OK))
		return nil
	}
	return &Resolution{Result: res, Source: SourceNetwork}
}

// fetchMissing живой запрос недостающих категорий, результат попадает в кэш
// независимо от успеха
func (m *Merger) fetchMissing(ctx context.Context, needs Needs, req Request, key identity.RequestKey) *fetch.Result {
	res := m.executor.Execute(ctx, fetch.Input{
		Targets:       needs.Targets,
		YearLimit:     req.YearLimit,
		BasePayload:   req.BasePayload,
		DetailPayload: req.DetailPayload,
		FromDate:      req.FromDate,
		ToDate:        req.ToDate,
	})

	entry := &types.CacheEntry{
		AppUserID:    req.AppUserID,
		IdentityHash: req.IdentityHash,
		RequestHash:  key.RequestHash,
		RequestKey:   key.RequestKey,
		Targets:      key.NormalizedTargets,
		YearLimit:    req.YearLimit,
		FromDate:     req.FromDate,
		ToDate:       req.ToDate,
		SubjectType:  req.SubjectType,
		OK:           res.OK,
		Partial:      res.Partial,
		StatusCode:   statusCode(res),
	}
	if payload, err := json.Marshal(res); err == nil {
		entry.Payload = payload
	}
	m.cache.Write(ctx, entry)
	return res
}

func (m *Merger) acceptable(entry *types.CacheEntry, needs Needs) *fetch.Result {
	res, err := fetch.ParseResult(entry.Payload)
	if err != nil {
		m.logger.Warn("failed to parse cached summary patch", zap.Error(err), zap.String("id", entry.ID))
		return nil
	}
	if !res.OK || !satisfies(res, needs) {
		return nil
	}
	return res
}

func satisfies(res *fetch.Result, needs Needs) bool {
	if !needs.MedicationNameBackfill {
		return true
	}
	return res.Normalized != nil && res.Normalized.Medication != nil &&
		fetch.HasMedicationNames(res.Normalized.Medication.Rows)
}

func statusCode(res *fetch.Result) int {
	if res.OK {
		return http.StatusOK
	}
	return http.StatusBadGateway
}

// Merge заменяет только отсутствующие категории base. Лекарства без названий
// не заменяют строки, для которых выполнялась догрузка названий.
func Merge(base, patch *fetch.Normalized, needs Needs) *fetch.Normalized {
	merged := &fetch.Normalized{}
	if base != nil {
		*merged = *base
	}
	if patch == nil {
		return merged
	}

	if types.ContainsTarget(needs.Targets, types.TargetMedication) && patch.Medication != nil {
		if !needs.MedicationNameBackfill || fetch.HasMedicationNames(patch.Medication.Rows) {
			merged.Medication = patch.Medication
		}
	}

	if types.ContainsTarget(needs.Targets, types.TargetCheckupOverview) && patch.Checkup != nil && patch.Checkup.Overview != nil {
		checkup := &fetch.Checkup{}
		if merged.Checkup != nil {
			*checkup = *merged.Checkup
		}
		checkup.Overview = patch.Checkup.Overview
		merged.Checkup = checkup
	}

	return merged
}
