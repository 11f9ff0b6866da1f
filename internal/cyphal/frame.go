package cyphal

import "github.com/kstaniek/go-ampio-server/internal/can"

// HeartbeatSubjectID is uavcan.node.Heartbeat.1.0's fixed port id.
const HeartbeatSubjectID uint16 = 7509

// defaultPriority is Cyphal's "nominal" priority level (0 highest, 7 lowest).
const defaultPriority uint8 = 6

const (
	subjectIDMask = 0x1FFF // 13 bits
	nodeIDMask    = 0x7F   // 7 bits
	priorityMask  = 0x7    // 3 bits
)

// FrameID builds the 29-bit extended CAN ID for an anonymous-less message
// transfer carrying subjectID from nodeID, following the Cyphal/CAN
// transport's bit layout (priority:3 | subject:13 | reserved | source:7),
// simplified here since generated DSDL/transfer-ID handling is out of scope.
func FrameID(nodeID uint8, subjectID uint16, priority uint8) uint32 {
	id := uint32(priority&priorityMask)<<26 | uint32(subjectID&subjectIDMask)<<8 | uint32(nodeID&nodeIDMask)
	return id | can.CAN_EFF_FLAG
}

// ParseFrameID extracts the source node id and subject id from an extended
// CAN ID built by FrameID.
func ParseFrameID(canID uint32) (nodeID uint8, subjectID uint16) {
	id := canID &^ can.CAN_EFF_FLAG
	nodeID = uint8(id & nodeIDMask)
	subjectID = uint16((id >> 8) & subjectIDMask)
	return
}
