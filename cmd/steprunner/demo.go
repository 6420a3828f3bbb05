package main

import (
	"fmt"

	"github.com/cuemby/steprunner/pkg/types"
)

// demoInvocation builds a small five-step integration that exercises
// dependency-failure propagation and the DISABLED short circuit:
//
//	fetch-accounts  (root)
//	fetch-users     (depends on fetch-accounts)
//	fetch-permissions (depends on fetch-users, always fails)
//	fetch-audit-logs (depends on fetch-permissions, so always PARTIAL_SUCCESS_DUE_TO_DEPENDENCY_FAILURE)
//	fetch-legacy-reports (root, disabled when cfg.DisableLegacyReports)
func demoInvocation(cfg *RunConfig) types.InvocationConfig {
	return types.InvocationConfig{
		EnableSchemaValidation: cfg.EnableSchemaValidation,
		GetStepStartStates: func(_ *types.InvocationContext) (map[string]types.StartState, error) {
			return map[string]types.StartState{
				"fetch-accounts":       {},
				"fetch-users":          {},
				"fetch-permissions":    {},
				"fetch-audit-logs":     {},
				"fetch-legacy-reports": {Disabled: cfg.DisableLegacyReports},
			}, nil
		},
		IntegrationSteps: []types.Step{
			{
				ID:   "fetch-accounts",
				Name: "Fetch accounts",
				Entities: []types.StepEntityType{
					{Type: "demo_account", Class: []string{"Account"}},
				},
				ExecutionHandler: func(ctx *types.StepContext) error {
					for i := 1; i <= 2; i++ {
						_, err := ctx.JobState.AddEntity(types.Entity{GraphObject: types.GraphObject{
							Key:   fmt.Sprintf("demo-account-%d", i),
							Type:  "demo_account",
							Class: []string{"Account"},
							Properties: map[string]any{
								"name": fmt.Sprintf("Demo Account %d", i),
							},
						}})
						if err != nil {
							return err
						}
					}
					return nil
				},
			},
			{
				ID:        "fetch-users",
				Name:      "Fetch users",
				DependsOn: []string{"fetch-accounts"},
				Entities: []types.StepEntityType{
					{Type: "demo_user", Class: []string{"User"}},
				},
				Relationships: []types.StepRelationshipType{
					{Type: "demo_account_has_user", SourceType: "demo_account", TargetType: "demo_user"},
				},
				ExecutionHandler: func(ctx *types.StepContext) error {
					for i := 1; i <= 3; i++ {
						userKey := fmt.Sprintf("demo-user-%d", i)
						if _, err := ctx.JobState.AddEntity(types.Entity{GraphObject: types.GraphObject{
							Key:   userKey,
							Type:  "demo_user",
							Class: []string{"User"},
							Properties: map[string]any{
								"name": fmt.Sprintf("Demo User %d", i),
							},
						}}); err != nil {
							return err
						}
						accountKey := "demo-account-1"
						if _, err := ctx.JobState.AddRelationship(types.Relationship{
							GraphObject: types.GraphObject{
								Key:   fmt.Sprintf("%s:has:%s", accountKey, userKey),
								Type:  "demo_account_has_user",
								Class: []string{"HAS"},
							},
							FromEntityKey: accountKey,
							ToEntityKey:   userKey,
						}); err != nil {
							return err
						}
					}
					return nil
				},
			},
			{
				ID:        "fetch-permissions",
				Name:      "Fetch permissions",
				DependsOn: []string{"fetch-users"},
				Entities: []types.StepEntityType{
					{Type: "demo_permission", Class: []string{"AccessPolicy"}},
				},
				ExecutionHandler: func(ctx *types.StepContext) error {
					return fmt.Errorf("demo: permissions endpoint is unreachable")
				},
			},
			{
				ID:        "fetch-audit-logs",
				Name:      "Fetch audit logs",
				DependsOn: []string{"fetch-permissions"},
				Entities: []types.StepEntityType{
					{Type: "demo_audit_log", Class: []string{"Record"}},
				},
				ExecutionHandler: func(ctx *types.StepContext) error {
					_, err := ctx.JobState.AddEntity(types.Entity{GraphObject: types.GraphObject{
						Key:   "demo-audit-log-1",
						Type:  "demo_audit_log",
						Class: []string{"Record"},
						Properties: map[string]any{
							"note": "collected despite upstream permissions failure",
						},
					}})
					return err
				},
			},
			{
				ID:   "fetch-legacy-reports",
				Name: "Fetch legacy reports",
				Entities: []types.StepEntityType{
					{Type: "demo_legacy_report", Class: []string{"Record"}, Partial: true},
				},
				ExecutionHandler: func(ctx *types.StepContext) error {
					_, err := ctx.JobState.AddEntity(types.Entity{GraphObject: types.GraphObject{
						Key:  "demo-legacy-report-1",
						Type: "demo_legacy_report",
						Class: []string{"Record"},
						Properties: map[string]any{
							"year": 2019,
						},
					}})
					return err
				},
			},
		},
	}
}
