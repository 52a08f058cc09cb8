package delivery

import (
	"context"
	"time"

	"github.com/smedrec/courier/core"
)

// Metrics aggregates delivery outcomes over a time range for one tenant.
type Metrics struct {
	OrganizationID    string                       `json:"organization_id"`
	Total             int                          `json:"total"`
	Successful        int                          `json:"successful"`
	Failed            int                          `json:"failed"`
	Partial           int                          `json:"partial"`
	Cancelled         int                          `json:"cancelled"`
	InFlight          int                          `json:"in_flight"`
	SuccessRate       float64                      `json:"success_rate"`
	AvgDeliveryTime   time.Duration                `json:"avg_delivery_time"`
	ByDestinationType map[core.DestinationType]int `json:"by_destination_type"`
	From              time.Time                    `json:"from"`
	To                time.Time                    `json:"to"`
}

// GetDeliveryMetrics aggregates tenant delivery logs in [from, to]. Success
// rate is successful over terminal deliveries; partial counts as neither
// success nor failure there.
func (s *Service) GetDeliveryMetrics(ctx context.Context, organizationID string, from, to time.Time) (*Metrics, error) {
	logs, err := s.logs.List(ctx, core.DeliveryLogFilter{
		OrganizationID: organizationID,
		From:           from,
		To:             to,
	})
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		OrganizationID:    organizationID,
		ByDestinationType: make(map[core.DestinationType]int),
		From:              from,
		To:                to,
	}

	// Destination types are looked up once per distinct id.
	typeOf := make(map[string]core.DestinationType)
	var durationTotal time.Duration
	var durationCount int

	for _, log := range logs {
		m.Total++
		switch log.Status {
		case core.DeliveryCompleted:
			m.Successful++
		case core.DeliveryFailed:
			m.Failed++
		case core.DeliveryPartial:
			m.Partial++
		case core.DeliveryCancelled:
			m.Cancelled++
		default:
			m.InFlight++
		}
		if log.CompletedAt != nil {
			durationTotal += log.CompletedAt.Sub(log.CreatedAt)
			durationCount++
		}
		for _, d := range log.Destinations {
			t, ok := typeOf[d.DestinationID]
			if !ok {
				dest, err := s.destinations.Get(ctx, organizationID, d.DestinationID)
				if err != nil {
					// Deleted destinations still count, just untyped.
					typeOf[d.DestinationID] = ""
					continue
				}
				t = dest.Type
				typeOf[d.DestinationID] = t
			}
			if t != "" {
				m.ByDestinationType[t]++
			}
		}
	}

	if terminal := m.Successful + m.Failed + m.Partial + m.Cancelled; terminal > 0 {
		m.SuccessRate = float64(m.Successful) / float64(terminal)
	}
	if durationCount > 0 {
		m.AvgDeliveryTime = durationTotal / time.Duration(durationCount)
	}
	return m, nil
}
