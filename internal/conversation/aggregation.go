package conversation

import "github.com/radscheduler/core/internal/models"

// AggregationRule picks how multiple same-modality orders combine into one
// visit's requested duration.
type AggregationRule string

const (
    AggregationSum AggregationRule = "sum"
    AggregationMax AggregationRule = "max"
)

// selectBookingGroup picks the active order plus every pending order that
// shares its modality (and ordering practice, when both specify one),
// leaving the rest queued for a later round — spec.md §4.3's booking
// aggregation rule.
func selectBookingGroup(orders []models.Order) (group []models.Order, remaining []models.Order) {
    if len(orders) == 0 {
        return nil, nil
    }
    active := orders[0]
    group = append(group, active)

    for _, o := range orders[1:] {
        if o.Modality != active.Modality {
            remaining = append(remaining, o)
            continue
        }
        if active.OrderingPractice != "" && o.OrderingPractice != "" && active.OrderingPractice != o.OrderingPractice {
            remaining = append(remaining, o)
            continue
        }
        group = append(group, o)
    }
    return group, remaining
}

// aggregateDuration combines a booking group's per-order durations using the
// given rule, falling back to sum when unspecified. The engine passes one
// engine-wide rule; there is no per-modality rule.
func aggregateDuration(group []models.Order, rule AggregationRule) int {
    if len(group) == 0 {
        return 0
    }
    switch rule {
    case AggregationMax:
        max := 0
        for _, o := range group {
            if o.DurationMinutes > max {
                max = o.DurationMinutes
            }
        }
        return max
    default:
        sum := 0
        for _, o := range group {
            sum += o.DurationMinutes
        }
        return sum
    }
}

func orderIDs(orders []models.Order) []string {
    ids := make([]string, 0, len(orders))
    for _, o := range orders {
        ids = append(ids, o.OrderID)
    }
    return ids
}
