package room

type AddMemberParams struct {
	RoomId   string `json:"room_id"`
	MemberId string `json:"member_id"`
}

type RemoveMemberParams struct {
	RoomId   string `json:"room_id"`
	MemberId string `json:"member_id"`
}
