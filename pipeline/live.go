package pipeline

import (
	"context"
	"fmt"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/registry"
	"github.com/eddielth/eds-sync/storage"
	"github.com/eddielth/eds-sync/transformer"
)

// Live reads the current value of every registry point and archives the
// values that pass the quality policy. It returns the number archived.
// Checkpoints are not involved.
func (o *Orchestrator) Live(ctx context.Context) (int, error) {
	if o.archive == nil {
		return 0, fmt.Errorf("%w: live mode needs an archive backend", config.ErrConfiguration)
	}

	groups, err := o.loadRegistry()
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		n, err := o.liveGroup(ctx, g)
		if err != nil {
			logger.Error("live values of group %s failed (%s): %v", g.Name, Kind(err), err)
			continue
		}
		archived += n
	}
	return archived, nil
}

func (o *Orchestrator) liveGroup(ctx context.Context, g registry.Group) (int, error) {
	src := o.source(g.Name)
	session, err := src.Login(ctx)
	if err != nil {
		return 0, err
	}
	defer o.logout(src, session)

	values, err := src.LiveValues(ctx, session, g.PointIDs())
	if err != nil {
		return 0, err
	}

	byPoint := make(map[string][]registry.PointMapping, len(g.Mappings))
	for _, m := range g.Mappings {
		byPoint[m.SourcePointID] = append(byPoint[m.SourcePointID], m)
	}

	allowed := o.qualityFor(g.Name)
	archived := 0
	for _, v := range values {
		mappings, ok := byPoint[v.PointID]
		if !ok {
			logger.Debug("ignoring live value of unmapped point %s", v.PointID)
			continue
		}

		for _, m := range mappings {
			samples := transformer.ToCanonical([]transformer.RawSample{v.Sample})
			samples = transformer.ApplyUnitConversion(samples, m.UnitConversion)
			samples = transformer.FilterByQuality(samples, allowed)
			samples = transformer.DropNonFinite(samples)
			if len(samples) == 0 {
				continue
			}

			err := o.archive.Store(ctx, storage.Series{
				Group:     g.Name,
				PointID:   m.SourcePointID,
				ProjectID: m.DestinationProjectID,
				EntityID:  m.DestinationEntityID,
				Samples:   samples,
			})
			if err != nil {
				logger.Warn("failed to archive live value of %s: %v", m.SourcePointID, err)
				continue
			}
			archived++
		}
	}

	logger.Info("archived %d live values of group %s", archived, g.Name)
	return archived, nil
}
