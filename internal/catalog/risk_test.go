package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestClassifyRisk(t *testing.T) {
	cases := []struct {
		name, description string
		want               models.RiskLevel
	}{
		{"delete_user", "Removes a user account", models.RiskDangerous},
		{"archive_invoice", "Marks an invoice inactive by revoking access", models.RiskDangerous},
		{"get_customer", "Fetch a single customer by id", models.RiskSafe},
		{"list_subscriptions", "", models.RiskSafe},
		{"create_charge", "Creates a new charge", models.RiskModerate},
		{"update_plan", "", models.RiskModerate},
		{"ping", "", models.RiskSafe},
	}
	for _, c := range cases {
		got := ClassifyRisk(c.name, c.description)
		require.Equalf(t, c.want, got, "name=%s description=%s", c.name, c.description)
	}
}

func TestRequiresConfirmationInvariant(t *testing.T) {
	require.True(t, RequiresConfirmation(models.RiskDangerous))
	require.False(t, RequiresConfirmation(models.RiskSafe))
	require.False(t, RequiresConfirmation(models.RiskModerate))
}

func TestFirstMatchWins(t *testing.T) {
	// "cancel" is dangerous; "check" prefix would otherwise read as safe.
	// Dangerous keyword match takes priority over the safe-prefix rule.
	got := ClassifyRisk("check_and_cancel_subscription", "")
	require.Equal(t, models.RiskDangerous, got)
}
