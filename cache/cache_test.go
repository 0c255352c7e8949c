package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyShapes(t *testing.T) {
	assert.Equal(t, "conversation_v1_t1_s1", ConversationKey("v1", "t1", "s1"))
	assert.Equal(t, "last_transffered_agent_b1_t1_s1", TransferredAgentKey("b1", "t1", "s1"))
	assert.Equal(t, "rate_limit_thread9", RateLimitKey("thread9"))
	assert.Equal(t, "batch_abc", BatchKey("abc"))
	assert.Equal(t, "timezone_and_org_org1", TimezoneOrgKey("org1"))
	assert.Equal(t, "get_bridge_data_b1", BridgeDataKey("b1"))
	assert.Equal(t, "bridge_data_with_tools_v1", BridgeWithToolsKey("v1"))
	assert.Equal(t, "sub_thread_o1_b1_t1_s1", SubThreadKey("o1", "b1", "t1", "s1"))
	assert.Equal(t, "files_b1_t1_s1", FilesKey("b1", "t1", "s1"))
	assert.Equal(t, "gpt_memory_b1_t1", GPTMemoryKey("b1", "t1"))
	assert.Equal(t, "pdf_url_p1", PDFURLKey("p1"))
}

func TestUsedCostKey(t *testing.T) {
	assert.Equal(t, "bridgeusedcost_b1", UsedCostKey("bridge", "b1"))
	assert.Equal(t, "folderusedcost_f1", UsedCostKey("folder", "f1"))
	assert.Equal(t, "apikeyusedcost_k1", UsedCostKey("apikey", "k1"))
}

func TestLastUsedKey(t *testing.T) {
	assert.Equal(t, "bridgelastused_b1", LastUsedKey("bridge", "b1"))
	assert.Equal(t, "apikeylastused_k1", LastUsedKey("apikey", "k1"))
}

func TestAppendTurnsEvictsOldestPair(t *testing.T) {
	var window []Turn
	for i := 0; i < 4; i++ {
		window = AppendTurns(window, NewTurn("user", "q"), NewTurn("assistant", "a"))
	}
	assert.Len(t, window, 8)

	first := window[0]
	window = AppendTurns(window, NewTurn("user", "q5"), NewTurn("assistant", "a5"))
	assert.Len(t, window, 8, "two oldest evicted once past the cap")
	assert.NotEqual(t, first, window[0])
	assert.Equal(t, "a5", window[len(window)-1].Content)
}

func TestNewTurnIDsAreEightDigits(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := NewTurn("user", "x").ID
		assert.GreaterOrEqual(t, id, int64(10000000))
		assert.Less(t, id, int64(100000000))
	}
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := &RateLimitError{Key: "thread9"}
	assert.EqualError(t, err, "too many requests for thread9")
}
