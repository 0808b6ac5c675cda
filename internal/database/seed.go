package database

import "fmt"

var defaultRooms = []CreateRoomParams{
	{Name: "General", Topic: "Company-wide discussions"},
	{Name: "Development", Topic: "Engineering and product updates"},
	{Name: "Support", Topic: "Customer success and support chats"},
}

// SeedRooms creates the default rooms when the registry is empty and returns
// the rooms that exist afterwards.
func SeedRooms(db GoChatRepository, newId func() (string, error)) ([]Room, error) {
	existing, err := db.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	rooms := make([]Room, 0, len(defaultRooms))
	for _, params := range defaultRooms {
		id, err := newId()
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}
		params.ExternalId = id

		room, err := db.CreateRoom(params)
		if err != nil {
			return nil, fmt.Errorf("create room %q: %w", params.Name, err)
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}
