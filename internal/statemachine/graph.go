package statemachine

import (
	"strings"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

var orderGraph = map[string][]string{
	string(enums.OrderStatusPendingPayment): {
		string(enums.OrderStatusPaid),
		string(enums.OrderStatusCanceled),
		string(enums.OrderStatusFailed),
		string(enums.OrderStatusAwaitingManualApproval),
	},
	string(enums.OrderStatusAwaitingManualApproval): {
		string(enums.OrderStatusPaid),
		string(enums.OrderStatusCanceled),
	},
	string(enums.OrderStatusPaid): {
		string(enums.OrderStatusDelivering),
		string(enums.OrderStatusDelivered),
		string(enums.OrderStatusFailed),
		string(enums.OrderStatusCanceled),
		string(enums.OrderStatusRefunded),
		string(enums.OrderStatusAwaitingManualApproval),
	},
	string(enums.OrderStatusDelivering): {
		string(enums.OrderStatusDelivered),
		string(enums.OrderStatusPaid),
		string(enums.OrderStatusFailed),
		string(enums.OrderStatusRefunded),
	},
	string(enums.OrderStatusFailed): {
		string(enums.OrderStatusPaid),
		string(enums.OrderStatusRefunded),
		string(enums.OrderStatusCanceled),
	},
	string(enums.OrderStatusDelivered): {},
	string(enums.OrderStatusCanceled):  {},
	string(enums.OrderStatusRefunded):  {},
}

var paymentGraph = map[string][]string{
	string(enums.PaymentStatusUnpaid): {
		string(enums.PaymentStatusRequiresAction),
		string(enums.PaymentStatusPending),
		string(enums.PaymentStatusPaid),
		string(enums.PaymentStatusFailed),
		string(enums.PaymentStatusCanceled),
	},
	string(enums.PaymentStatusRequiresAction): {
		string(enums.PaymentStatusPending),
		string(enums.PaymentStatusPaid),
		string(enums.PaymentStatusFailed),
		string(enums.PaymentStatusCanceled),
	},
	string(enums.PaymentStatusPending): {
		string(enums.PaymentStatusPaid),
		string(enums.PaymentStatusFailed),
		string(enums.PaymentStatusCanceled),
		string(enums.PaymentStatusRequiresAction),
	},
	string(enums.PaymentStatusFailed): {
		string(enums.PaymentStatusPending),
		string(enums.PaymentStatusPaid),
		string(enums.PaymentStatusCanceled),
	},
	string(enums.PaymentStatusPaid): {
		string(enums.PaymentStatusRefunded),
	},
	string(enums.PaymentStatusCanceled): {},
	string(enums.PaymentStatusRefunded): {},
}

var deliveryGraph = map[string][]string{
	string(enums.DeliveryStatusNotStarted): {
		string(enums.DeliveryStatusPending),
		string(enums.DeliveryStatusProcessing),
		string(enums.DeliveryStatusFailed),
		string(enums.DeliveryStatusCanceled),
	},
	string(enums.DeliveryStatusPending): {
		string(enums.DeliveryStatusProcessing),
		string(enums.DeliveryStatusFailed),
		string(enums.DeliveryStatusCanceled),
		string(enums.DeliveryStatusWaitingAdmin),
	},
	string(enums.DeliveryStatusProcessing): {
		string(enums.DeliveryStatusDelivered),
		string(enums.DeliveryStatusFailed),
		string(enums.DeliveryStatusWaitingProvider),
		string(enums.DeliveryStatusPending),
		string(enums.DeliveryStatusWaitingAdmin),
	},
	string(enums.DeliveryStatusWaitingProvider): {
		string(enums.DeliveryStatusProcessing),
		string(enums.DeliveryStatusDelivered),
		string(enums.DeliveryStatusFailed),
		string(enums.DeliveryStatusPending),
	},
	string(enums.DeliveryStatusWaitingAdmin): {
		string(enums.DeliveryStatusProcessing),
		string(enums.DeliveryStatusDelivered),
		string(enums.DeliveryStatusFailed),
		string(enums.DeliveryStatusCanceled),
	},
	string(enums.DeliveryStatusFailed): {
		string(enums.DeliveryStatusPending),
		string(enums.DeliveryStatusProcessing),
		string(enums.DeliveryStatusCanceled),
	},
	string(enums.DeliveryStatusDelivered): {},
	string(enums.DeliveryStatusCanceled):  {},
}

// aliases maps old stored spellings onto canonical statuses, per entity.
var aliases = map[enums.AuditEntity]map[string]string{
	enums.AuditEntityOrder: {
		"cancelled":  string(enums.OrderStatusCanceled),
		"completed":  string(enums.OrderStatusDelivered),
		"complete":   string(enums.OrderStatusDelivered),
		"processing": string(enums.OrderStatusDelivering),
		"pending":    string(enums.OrderStatusPendingPayment),
	},
	enums.AuditEntityPayment: {
		"cancelled": string(enums.PaymentStatusCanceled),
		"succeeded": string(enums.PaymentStatusPaid),
	},
	enums.AuditEntityDelivery: {
		"cancelled": string(enums.DeliveryStatusCanceled),
		"waiting":   string(enums.DeliveryStatusWaitingProvider),
		"success":   string(enums.DeliveryStatusDelivered),
	},
}

func graphFor(entity enums.AuditEntity) map[string][]string {
	switch entity {
	case enums.AuditEntityOrder:
		return orderGraph
	case enums.AuditEntityPayment:
		return paymentGraph
	case enums.AuditEntityDelivery:
		return deliveryGraph
	default:
		return nil
	}
}

// Normalize maps a raw status onto its canonical spelling. Unrecognized
// values return false; they are never guessed.
func Normalize(entity enums.AuditEntity, raw string) (string, bool) {
	graph := graphFor(entity)
	if graph == nil {
		return "", false
	}
	value := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := graph[value]; ok {
		return value, true
	}
	if canonical, ok := aliases[entity][value]; ok {
		return canonical, true
	}
	return "", false
}

// Allowed reports whether from -> to is an edge of the entity's graph. Both
// values must already be canonical.
func Allowed(entity enums.AuditEntity, from, to string) bool {
	for _, candidate := range graphFor(entity)[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing edges.
func IsTerminal(entity enums.AuditEntity, status string) bool {
	canonical, ok := Normalize(entity, status)
	if !ok {
		return false
	}
	return len(graphFor(entity)[canonical]) == 0
}

// States lists the canonical statuses of an entity.
func States(entity enums.AuditEntity) []string {
	graph := graphFor(entity)
	out := make([]string, 0, len(graph))
	for state := range graph {
		out = append(out, state)
	}
	return out
}
