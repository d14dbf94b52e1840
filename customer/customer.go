package customer

import (
	"time"

	"github.com/zllovesuki/recur/gateway"
)

// Customer maps a customer of the commerce platform to its gateway customers
type Customer struct {
	ID            string    `json:"id" gorm:"primaryKey"`     // Local customer ID
	Email         string    `json:"email" gorm:"uniqueIndex"` // User's email address
	LiveGatewayID string    `json:"liveGatewayId"`            // Gateway customer ID in live mode
	TestGatewayID string    `json:"testGatewayId"`            // Gateway customer ID in test mode
	Admin         bool      `json:"-"`                        // Operators may act on any subscription
	CreatedAt     time.Time `json:"createdAt"`
}

// GatewayID returns the gateway customer ID for mode
func (c *Customer) GatewayID(mode gateway.Mode) string {
	if mode == gateway.ModeLive {
		return c.LiveGatewayID
	}
	return c.TestGatewayID
}
