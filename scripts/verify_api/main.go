package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/directory"
	"github.com/mahaj/marketplace-chat/pkg/model"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "room directory address")
	userA := flag.String("a", "test_user", "first participant")
	userB := flag.String("b", "test_freelancer", "second participant")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. Login
	token, err := directory.Login(ctx, *apiAddr, *userA)
	if err != nil {
		log.Fatal("login failed: ", err)
	}
	fmt.Printf("Token: %s...\n", token[:10])

	client := directory.NewClient(*apiAddr, *userA, token)

	// 2. Create the room twice; the second call must return the same id.
	data := []model.IdentitySnapshot{{ID: *userA, Name: *userA}}
	first, err := client.CreateOrJoinRoom(ctx, []string{*userA, *userB}, data)
	if err != nil {
		log.Fatal("create room failed: ", err)
	}
	second, err := client.CreateOrJoinRoom(ctx, []string{*userB, *userA}, data)
	if err != nil {
		log.Fatal("join room failed: ", err)
	}
	if first != second {
		log.Fatalf("expected the same room, got %s and %s", first, second)
	}
	log.Printf("Room: %s", first)

	// 3. List rooms
	rooms, err := client.ListRoomsForUser(ctx, *userA)
	if err != nil {
		log.Fatal("list rooms failed: ", err)
	}
	for _, room := range rooms {
		log.Printf("  %s %v (created by %s)", room.ID, room.Participants, room.CreatedBy)
	}

	// 4. Listing someone else's rooms must be refused.
	if _, err := client.ListRoomsForUser(ctx, *userB); err == nil {
		log.Fatal("expected listing another user's rooms to fail")
	}
	log.Println("directory API verified")
}
