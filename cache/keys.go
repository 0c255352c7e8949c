package cache

import "time"

// Prefix namespaces every key the gateway writes.
const Prefix = "AIMIDDLEWARE_"

// Key families. The trailing underscore is part of the stored name.
const (
	keyPDFURL           = "pdf_url_"
	keyBridgeData       = "get_bridge_data_"
	keyBridgeWithTools  = "bridge_data_with_tools_"
	keyRateLimit        = "rate_limit_"
	keyFiles            = "files_"
	keyBatch            = "batch_"
	keyGPTMemory        = "gpt_memory_"
	keyTimezoneOrg      = "timezone_and_org_"
	keyConversation     = "conversation_"
	keyBridgeLastUsed   = "bridgelastused_"
	keyAPIKeyLastUsed   = "apikeylastused_"
	keyBridgeUsedCost   = "bridgeusedcost_"
	keyFolderUsedCost   = "folderusedcost_"
	keyAPIKeyUsedCost   = "apikeyusedcost_"
	keyTransferredAgent = "last_transffered_agent_"
	keySubThread        = "sub_thread_"
)

// TTLs used across the gateway.
const (
	DefaultTTL      = 48 * time.Hour
	ConversationTTL = 30 * 24 * time.Hour
	TransferTTL     = 3 * 24 * time.Hour
	BatchTTL        = 24 * time.Hour
	LockTTL         = 10 * time.Minute
	RateWindow      = time.Minute
	FilesTTL        = 7 * 24 * time.Hour
)

// ConversationKey addresses the rolling chat window for one sub-thread.
func ConversationKey(versionID, threadID, subThreadID string) string {
	return keyConversation + versionID + "_" + threadID + "_" + subThreadID
}

// TransferredAgentKey addresses the sticky agent for a transferred thread.
func TransferredAgentKey(primaryBridgeID, threadID, subThreadID string) string {
	return keyTransferredAgent + primaryBridgeID + "_" + threadID + "_" + subThreadID
}

// RateLimitKey addresses a fixed-window request counter.
func RateLimitKey(id string) string { return keyRateLimit + id }

// BatchKey addresses a pending batch descriptor.
func BatchKey(batchID string) string { return keyBatch + batchID }

// TimezoneOrgKey addresses the cached org timezone and display name.
func TimezoneOrgKey(orgID string) string { return keyTimezoneOrg + orgID }

// BridgeDataKey addresses the cached published bridge document.
func BridgeDataKey(bridgeID string) string { return keyBridgeData + bridgeID }

// BridgeWithToolsKey addresses the cached joined bridge document.
func BridgeWithToolsKey(id string) string { return keyBridgeWithTools + id }

// UsedCostKey addresses the rolling spend record for a limit subject.
// kind is one of "bridge", "folder", "apikey".
func UsedCostKey(kind, id string) string {
	switch kind {
	case "folder":
		return keyFolderUsedCost + id
	case "apikey":
		return keyAPIKeyUsedCost + id
	default:
		return keyBridgeUsedCost + id
	}
}

// LastUsedKey addresses the last-used timestamp for a bridge or apikey.
func LastUsedKey(kind, id string) string {
	if kind == "apikey" {
		return keyAPIKeyLastUsed + id
	}
	return keyBridgeLastUsed + id
}

// PDFURLKey addresses a pending PDF attachment URL.
func PDFURLKey(id string) string { return keyPDFURL + id }

// FilesKey addresses the cached file list for one sub-thread.
func FilesKey(bridgeID, threadID, subThreadID string) string {
	return keyFiles + bridgeID + "_" + threadID + "_" + subThreadID
}

// GPTMemoryKey addresses the long-term memory blob for one thread.
func GPTMemoryKey(bridgeID, threadID string) string {
	return keyGPTMemory + bridgeID + "_" + threadID
}

// SubThreadKey gates display-name generation for a sub-thread.
func SubThreadKey(orgID, bridgeID, threadID, subThreadID string) string {
	return keySubThread + orgID + "_" + bridgeID + "_" + threadID + "_" + subThreadID
}
