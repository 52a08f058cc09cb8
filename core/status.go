package core

// AggregateStatus derives the overall delivery status from its per-destination
// substates. It is a pure function: the delivery log's Status field must
// always equal AggregateStatus of its Destinations slice.
//
// Rules, in order:
//   - failed:     no substates, or every substate failed/skipped
//   - completed:  every substate delivered
//   - partial:    some delivered, some failed/skipped, none still in flight
//   - processing: something is still in flight and at least one destination
//     has already been attempted
//   - queued:     otherwise
func AggregateStatus(subs []DestinationDelivery) DeliveryStatus {
	if len(subs) == 0 {
		return DeliveryFailed
	}

	var delivered, failed, nonTerminal, attempted int
	for _, d := range subs {
		switch d.Status {
		case SubDelivered:
			delivered++
		case SubFailed, SubSkipped:
			failed++
		default:
			nonTerminal++
		}
		if d.Attempts > 0 || d.Status == SubProcessing || d.Status == SubDelivered || d.Status == SubFailed {
			attempted++
		}
	}

	switch {
	case failed == len(subs):
		return DeliveryFailed
	case delivered == len(subs):
		return DeliveryCompleted
	case delivered > 0 && failed > 0 && nonTerminal == 0:
		return DeliveryPartial
	case nonTerminal > 0 && attempted > 0:
		return DeliveryProcessing
	default:
		return DeliveryQueued
	}
}

// DefaultPriorityFor maps a payload type to its default queue priority when
// the request does not carry one.
func DefaultPriorityFor(payloadType string) int {
	switch payloadType {
	case "health_check", "health":
		return PriorityHealthCheck
	case "write", "update", "create":
		return PriorityWrite
	case "report", "event":
		return PriorityReport
	case "read", "query":
		return PriorityRead
	default:
		return PriorityReport
	}
}
