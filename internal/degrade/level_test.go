package degrade

import "testing"

func TestLevelOrdering(t *testing.T) {
	levels := []Level{LevelNone, LevelRateLimited, LevelCachedData, LevelReadOnly, LevelEmergency}
	for i := 1; i < len(levels); i++ {
		if !(levels[i] > levels[i-1]) {
			t.Errorf("%s should be strictly worse than %s", levels[i], levels[i-1])
		}
	}
}

func TestPermissionMatrix(t *testing.T) {
	cases := []struct {
		level Level
		op    string
		want  bool
	}{
		{LevelNone, "place_order", true},
		{LevelNone, "get_prices", true},
		{LevelRateLimited, "place_order", true},
		{LevelRateLimited, "get_candles", true},
		{LevelCachedData, "place_order", false},
		{LevelCachedData, "get_prices", true},
		{LevelCachedData, "get_positions", true},
		{LevelReadOnly, "get_positions", false},
		{LevelReadOnly, "get_prices", true},
		{LevelReadOnly, "get_account", true},
		{LevelEmergency, "get_prices", false},
		{LevelEmergency, "get_account", false},
		// Critical operations survive every level.
		{LevelEmergency, "emergency_close", true},
		{LevelEmergency, "risk_check", true},
		{LevelReadOnly, "emergency_close", true},
		// Unknown operations are treated as writes.
		{LevelCachedData, "rebalance_portfolio", false},
		{LevelRateLimited, "rebalance_portfolio", true},
	}
	for _, tc := range cases {
		if got := allowedAt(tc.level, tc.op); got != tc.want {
			t.Errorf("allowedAt(%s, %s) = %v, want %v", tc.level, tc.op, got, tc.want)
		}
	}
}

// Each level's allowed set must be a subset of every less severe level's.
func TestPermissionSubsetMonotonicity(t *testing.T) {
	ops := []string{
		"get_prices", "get_account", "get_positions", "get_open_trades",
		"get_transactions", "get_candles", "place_order", "close_position",
		"emergency_close", "risk_check", "some_future_op",
	}
	levels := []Level{LevelNone, LevelRateLimited, LevelCachedData, LevelReadOnly, LevelEmergency}

	for i := 1; i < len(levels); i++ {
		for _, op := range ops {
			if allowedAt(levels[i], op) && !allowedAt(levels[i-1], op) {
				t.Errorf("op %s allowed at %s but not at less severe %s", op, levels[i], levels[i-1])
			}
		}
	}
}

func TestLevelForKind(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want Level
	}{
		{KindConnection, LevelReadOnly},
		{KindRateLimit, LevelRateLimited},
		{KindAuth, LevelEmergency},
		{KindUnknown, LevelRateLimited},
		{ErrorKind("bogus"), LevelRateLimited},
	}
	for _, tc := range cases {
		if got := levelFor(tc.kind); got != tc.want {
			t.Errorf("levelFor(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}
