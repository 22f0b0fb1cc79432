package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectMeter       = "meter"
	ObjectTier        = "tier"
	ObjectUsage       = "usage"
	ObjectEnforcement = "enforcement"
	ObjectAlert       = "alert"
	ObjectOverage     = "overage"
	ObjectBillingSync = "billing_sync"
)

const (
	ActionMeterView   = "meter.view"
	ActionMeterCreate = "meter.create"
	ActionMeterUpdate = "meter.update"

	ActionTierView   = "tier.view"
	ActionTierManage = "tier.manage"
	ActionTierAssign = "tier.assign"

	ActionUsageIngest = "usage.ingest"
	ActionUsageView   = "usage.view"

	ActionEnforcementCheck = "enforcement.check"

	ActionAlertView        = "alert.view"
	ActionAlertAcknowledge = "alert.acknowledge"

	ActionOverageView      = "overage.view"
	ActionOverageCalculate = "overage.calculate"

	ActionBillingCycleProcess = "billing_cycle.process"
	ActionBillingSyncView     = "billing_sync.view"
	ActionBillingSyncRetry    = "billing_sync.retry"
)

const (
	RoleCreator  = "role:creator"
	RoleOperator = "role:operator"
	RoleSystem   = "role:system"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, creatorID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return ErrInvalidCreator
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor, creatorID)
	if err != nil {
		s.denied(actor, creatorID, object, action)
		return err
	}

	domain := fmt.Sprintf("creator:%s", creatorID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.denied(actor, creatorID, object, action)
		return ErrForbidden
	}
	return nil
}

// resolveActor maps an actor string to its casbin subject and role. Creators
// and their API keys are confined to their own domain.
func resolveActor(actor string, creatorID string) (string, string, error) {
	if actor == "system" {
		return actor, RoleSystem, nil
	}

	kind, rawID, ok := strings.Cut(actor, ":")
	if !ok {
		return "", "", ErrInvalidActor
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil || id == 0 {
		return "", "", ErrInvalidActor
	}

	switch kind {
	case "creator":
		if id.String() != creatorID {
			return "", "", ErrForbidden
		}
		return actor, RoleCreator, nil
	case "api_key":
		return actor, RoleCreator, nil
	case "operator":
		return actor, RoleOperator, nil
	default:
		return "", "", ErrInvalidActor
	}
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) denied(actor, creatorID, object, action string) {
	s.log.Info("authorization denied",
		zap.String("actor", actor),
		zap.String("creator_id", creatorID),
		zap.String("object", object),
		zap.String("action", action),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	creator := [][]string{
		{ObjectMeter, ActionMeterView},
		{ObjectMeter, ActionMeterCreate},
		{ObjectMeter, ActionMeterUpdate},
		{ObjectTier, ActionTierView},
		{ObjectTier, ActionTierManage},
		{ObjectTier, ActionTierAssign},
		{ObjectUsage, ActionUsageIngest},
		{ObjectUsage, ActionUsageView},
		{ObjectEnforcement, ActionEnforcementCheck},
		{ObjectAlert, ActionAlertView},
		{ObjectAlert, ActionAlertAcknowledge},
		{ObjectOverage, ActionOverageView},
		{ObjectBillingSync, ActionBillingSyncView},
	}
	operator := [][]string{
		{ObjectMeter, ActionMeterView},
		{ObjectTier, ActionTierView},
		{ObjectUsage, ActionUsageView},
		{ObjectEnforcement, ActionEnforcementCheck},
		{ObjectAlert, ActionAlertView},
		{ObjectOverage, ActionOverageView},
		{ObjectOverage, ActionOverageCalculate},
		{ObjectBillingSync, ActionBillingCycleProcess},
		{ObjectBillingSync, ActionBillingSyncView},
		{ObjectBillingSync, ActionBillingSyncRetry},
	}

	var policies [][]string
	for _, p := range creator {
		policies = append(policies, []string{RoleCreator, p[0], p[1]})
	}
	for _, p := range operator {
		policies = append(policies, []string{RoleOperator, p[0], p[1]})
	}
	// System covers every permission granted to any role.
	seen := map[string]bool{}
	for _, p := range append(creator, operator...) {
		key := p[0] + "|" + p[1]
		if seen[key] {
			continue
		}
		seen[key] = true
		policies = append(policies, []string{RoleSystem, p[0], p[1]})
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
