package store

// Keys of the persisted namespace.
const (
	KeySchemaVersion     = "schemaVersion"
	KeyAccessToken       = "clickupToken"
	KeyRefreshToken      = "clickupRefreshToken"
	KeyOAuthConfig       = "oauthConfig"
	KeyEncryptionKey     = "encryptionKey"
	KeyCachedTeams       = "cachedTeams"
	KeyCachedUser        = "cachedUser"
	KeyHierarchyCache    = "hierarchyCache"
	KeyEmailTaskMappings = "emailTaskMappings"
	KeyEmailTasksSync    = "emailTasksSync"
	KeyPreferredTeamID   = "preferredTeamId"
	KeyThreadIDFieldName = "threadIdFieldName"
	KeyLinkStrategy      = "linkStrategy"
	KeyAutoStartTimer    = "autoStartTimer"
	KeyAutoStopTimer     = "autoStopTimer"
	KeyBadgeState        = "badgeState"

	// keyDefaultList belonged to the retired global default-list setting.
	keyDefaultList = "defaultList"
)

// AuthKeys are removed on logout.
var AuthKeys = []string{KeyAccessToken, KeyRefreshToken, KeyCachedUser, KeyCachedTeams}

// CacheKeys are removed by a cache clear.
var CacheKeys = []string{KeyHierarchyCache, KeyCachedTeams, KeyCachedUser}
