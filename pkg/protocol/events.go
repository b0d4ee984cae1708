package protocol

// ProtocolVersion is bumped whenever the wire contract changes incompatibly.
const ProtocolVersion = 1

// System lifecycle events.
const (
	EventSystemStartup  = "system:startup"
	EventSystemReady    = "system:ready"
	EventSystemShutdown = "system:shutdown"
	EventSystemContext  = "system:context"
	EventSystemHealth   = "system:health"
)

// Agent lifecycle events.
const (
	EventAgentSpawn      = "agent:spawn"
	EventAgentTerminate  = "agent:terminate"
	EventAgentList       = "agent:list"
	EventAgentInfo       = "agent:info"
	EventAgentConnect    = "agent:connect"
	EventAgentDisconnect = "agent:disconnect"
)

// Completion events (LLM subprocess requests).
const (
	EventCompletionAsync    = "completion:async"
	EventCompletionStatus   = "completion:status"
	EventCompletionCancel   = "completion:cancel"
	EventCompletionResult   = "completion:result"
	EventCompletionProgress = "completion:progress"
)

// Message bus events.
const (
	EventMessageSubscribe     = "message:subscribe"
	EventMessageUnsubscribe   = "message:unsubscribe"
	EventMessagePublish       = "message:publish"
	EventMessageSubscriptions = "message:subscriptions"
	EventMessageBusStats      = "message_bus:stats"
)

// Permission events.
const (
	EventPermissionGetProfile    = "permission:get_profile"
	EventPermissionSetAgent      = "permission:set_agent"
	EventPermissionGetAgent      = "permission:get_agent"
	EventPermissionValidateSpawn = "permission:validate_spawn"
	EventPermissionListProfiles  = "permission:list_profiles"
)

// Sandbox events.
const (
	EventSandboxCreate = "sandbox:create"
	EventSandboxGet    = "sandbox:get"
	EventSandboxRemove = "sandbox:remove"
	EventSandboxList   = "sandbox:list"
	EventSandboxStats  = "sandbox:stats"
)

// State store events (entity-attribute-value with typed relationships).
const (
	EventStateEntityCreate       = "state:entity:create"
	EventStateEntityUpdate       = "state:entity:update"
	EventStateEntityGet          = "state:entity:get"
	EventStateEntityQuery        = "state:entity:query"
	EventStateEntityDelete       = "state:entity:delete"
	EventStateRelationshipCreate = "state:relationship:create"
	EventStateRelationshipList   = "state:relationship:list"
	EventStateGraphTraverse      = "state:graph:traverse"
)

// Transformer management events.
const (
	EventTransformerRegister = "transformer:register"
	EventTransformerList     = "transformer:list"
)

// Bus message types with special delivery semantics (payload "type" field
// of message:publish). Anything else fans out to exact subscribers only.
const (
	MessageTypeDirect     = "DIRECT_MESSAGE"
	MessageTypeBroadcast  = "BROADCAST"
	MessageTypeAssignment = "TASK_ASSIGNMENT"
)
