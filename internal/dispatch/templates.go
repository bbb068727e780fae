package dispatch

import (
	"fmt"

	"notifyd/internal/gateway"
	"notifyd/internal/ledger"
)

// AuditTypeOrderUpdate tags audit entries written for order notifications.
const AuditTypeOrderUpdate = "order_update"

type orderTemplate struct {
	title string
	body  func(shortID string, total float64) string
}

// orderTemplates maps an order status to its notification. Statuses not
// listed use genericOrderTemplate.
var orderTemplates = map[string]orderTemplate{
	"confirmed": {
		title: "Order Confirmed! ✅",
		body: func(id string, total float64) string {
			return fmt.Sprintf("Your order #%s (GH₵%.2f) has been confirmed and is being prepared.", id, total)
		},
	},
	"shipped": {
		title: "Order Shipped! 🚚",
		body: func(id string, _ float64) string {
			return fmt.Sprintf("Your order #%s is on its way! Track your delivery in the app.", id)
		},
	},
	"delivered": {
		title: "Order Delivered! 📦",
		body: func(id string, _ float64) string {
			return fmt.Sprintf("Your order #%s has been delivered! Thank you for choosing Farmer Friends.", id)
		},
	},
	"cancelled": {
		title: "Order Cancelled ❌",
		body: func(id string, _ float64) string {
			return fmt.Sprintf("Your order #%s has been cancelled. Refund will be processed within 3-5 business days.", id)
		},
	},
}

func genericOrderTemplate(status string) orderTemplate {
	return orderTemplate{
		title: "Order Update",
		body: func(id string, _ float64) string {
			return fmt.Sprintf("Your order #%s status has been updated to %s", id, status)
		},
	}
}

// OrderMessage renders the push message for an order status change.
func OrderMessage(v OrderStatusChanged) gateway.Message {
	tpl, ok := orderTemplates[v.NewStatus]
	if !ok {
		tpl = genericOrderTemplate(v.NewStatus)
	}
	return gateway.Message{
		Title: tpl.title,
		Body:  tpl.body(shortID(v.OrderID), v.OrderTotal),
		Data: map[string]string{
			"type":    AuditTypeOrderUpdate,
			"orderId": v.OrderID,
			"status":  v.NewStatus,
			"screen":  "order_details",
		},
	}
}

func shortID(id string) string {
	r := []rune(id)
	if len(r) <= 8 {
		return id
	}
	return string(r[:8])
}

// WelcomeRequest is the single-target request created for a new user.
func WelcomeRequest(userID, name string) ledger.NewRequest {
	return ledger.NewRequest{
		Type:   ledger.TypeSingle,
		UserID: userID,
		Title:  "Welcome to Farmer Friends! 🌾",
		Body:   fmt.Sprintf("Hi %s! Discover fresh produce and farming supplies in your area.", name),
		Data: map[string]string{
			"type":   "welcome",
			"screen": "home",
		},
	}
}
