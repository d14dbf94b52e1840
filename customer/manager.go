package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/recur/gateway"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Customers
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for customers
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Upsert creates the customer or updates its email and gateway IDs. Empty gateway IDs are kept as stored.
func (m *Manager) Upsert(ctx context.Context, cust *Customer) error {
	if len(cust.ID) == 0 {
		return fmt.Errorf("empty ID is invalid")
	}
	columns := []string{"email"}
	if len(cust.LiveGatewayID) > 0 {
		columns = append(columns, "live_gateway_id")
	}
	if len(cust.TestGatewayID) > 0 {
		columns = append(columns, "test_gateway_id")
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(cust)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot upsert customer")
	}
	return nil
}

// SetGatewayID records the gateway customer of id for mode
func (m *Manager) SetGatewayID(ctx context.Context, id string, mode gateway.Mode, gatewayID string) error {
	column := "test_gateway_id"
	if mode == gateway.ModeLive {
		column = "live_gateway_id"
	}
	result := m.db.WithContext(ctx).Model(&Customer{}).Where("id = ?", id).Update(column, gatewayID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot set gateway customer id")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("customer %s does not exist", id)
	}
	return nil
}

// GatewayID resolves the gateway customer of id for mode. It returns an empty string if unknown.
func (m *Manager) GatewayID(ctx context.Context, id string, mode gateway.Mode) (string, error) {
	cust, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", nil
	}
	return cust.GatewayID(mode), nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// GetByEmail will try to return the customer in the database by email address
func (m *Manager) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "email = ?", email)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by email")
	}

	return &cust, nil
}
