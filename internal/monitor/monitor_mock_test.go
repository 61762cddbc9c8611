//go:build linux

package monitor

import (
	"context"
	"fmt"
	"testing"

	"github.com/genricoloni/nowplayd/internal/config"
	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/engine"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"github.com/genricoloni/nowplayd/internal/monitor/mocks"
	"github.com/godbus/dbus/v5"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// TestFetchPlayerState unifies all scenarios regarding initial state fetching:
// 1. Success (Happy Path)
// 2. DBus Errors (Connection fail)
// 3. Invalid Data types (Robustness)
func TestFetchPlayerState(t *testing.T) {
	playerName := "org.mpris.MediaPlayer2.spotify"
	objPath := "/org/mpris/MediaPlayer2"

	tests := []struct {
		name        string
		setupMock   func(*mocks.MockDBusClient)
		expectError bool
		check       func(*testing.T, *domain.PlayerEvent)
	}{
		{
			name: "Success - Full State",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, propPlaybackStatus).
					Return(dbus.MakeVariant("Playing"), nil)
				m.EXPECT().GetProperty(playerName, objPath, propMetadata).
					Return(dbus.MakeVariant(map[string]dbus.Variant{
						"xesam:title":  dbus.MakeVariant("Stairway to Heaven"),
						"xesam:artist": dbus.MakeVariant([]string{"Led Zeppelin"}),
						"mpris:length": dbus.MakeVariant(int64(482_000_000)),
					}), nil)
				m.EXPECT().GetProperty(playerName, objPath, propRate).
					Return(dbus.MakeVariant(1.0), nil)
				m.EXPECT().GetProperty(playerName, objPath, propPosition).
					Return(dbus.MakeVariant(int64(12_000_000)), nil)
			},
			check: func(t *testing.T, ev *domain.PlayerEvent) {
				if ev == nil {
					t.Fatal("Expected event was not emitted")
				}
				if ev.Status == nil || *ev.Status != domain.StatusPlaying {
					t.Errorf("Status mismatch: got %v", ev.Status)
				}
				if ev.Metadata == nil || ev.Metadata.Title == nil || *ev.Metadata.Title != "Stairway to Heaven" {
					t.Errorf("Title mismatch: got %+v", ev.Metadata)
				}
				if ev.Rate == nil || *ev.Rate != 1.0 {
					t.Errorf("Rate mismatch: got %v", ev.Rate)
				}
				if ev.Position == nil || *ev.Position != 12_000_000 {
					t.Errorf("Position mismatch: got %v", ev.Position)
				}
			},
		},
		{
			name: "DBus Error - Connection Fail",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, propPlaybackStatus).
					Return(dbus.MakeVariant(""), fmt.Errorf("connection timeout"))
			},
			expectError: true,
		},
		{
			name: "Invalid Data - Status is Int",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, propPlaybackStatus).
					Return(dbus.MakeVariant(3), nil)
			},
			expectError: true,
		},
		{
			name: "Invalid Data - Metadata is Int not Map",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, propPlaybackStatus).
					Return(dbus.MakeVariant("Stopped"), nil)
				m.EXPECT().GetProperty(playerName, objPath, propMetadata).
					Return(dbus.MakeVariant(12345), nil) // Wrong type
				m.EXPECT().GetProperty(playerName, objPath, propRate).
					Return(dbus.Variant{}, fmt.Errorf("not supported"))
				m.EXPECT().GetProperty(playerName, objPath, propPosition).
					Return(dbus.Variant{}, fmt.Errorf("not supported"))
			},
			check: func(t *testing.T, ev *domain.PlayerEvent) {
				if ev == nil {
					t.Fatal("Expected event was not emitted")
				}
				// Handled gracefully as "no current track"
				if !ev.HasMetadata || ev.Metadata != nil {
					t.Errorf("Expected cleared metadata, got %+v", ev.Metadata)
				}
				if ev.Rate != nil || ev.Position != nil {
					t.Error("Expected optional properties to be absent")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := mocks.NewMockDBusClient(ctrl)
			tt.setupMock(mockClient)

			mon := newTestMonitor(config.DefaultValues())
			mon.conn = mockClient
			mon.running = true

			err := mon.fetchPlayerState(context.Background(), playerName)

			// Verify Error Return
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			// Verify Event Emission
			var event *domain.PlayerEvent
			select {
			case ev := <-mon.Events():
				event = &ev
			default:
			}

			if tt.check != nil {
				tt.check(t, event)
			} else if event != nil {
				t.Errorf("Unexpected event emitted: %+v", *event)
			}
		})
	}
}

// TestDetectExistingPlayers verifies the initial scan of DBus names.
func TestDetectExistingPlayers(t *testing.T) {
	tests := []struct {
		name             string
		setupMock        func(*mocks.MockDBusClient)
		expectError      bool
		expectedPlayers  []string
		expectedMappings map[string]string
	}{
		{
			name: "Success - Detects Spotify and VLC",
			setupMock: func(m *mocks.MockDBusClient) {
				// 1. ListNames
				m.EXPECT().ListNames().Return([]string{
					"org.freedesktop.DBus",
					"org.mpris.MediaPlayer2.vlc",
					"org.mpris.MediaPlayer2.spotify",
					"com.example.OtherApp",
				}, nil)

				// 2. GetNameOwner (Mapping)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.spotify").Return(":1.100", nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.vlc").Return(":1.200", nil)

				// 3. Fetch state for Spotify
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.spotify", gomock.Any(), propPlaybackStatus).
					Return(dbus.MakeVariant("Playing"), nil)
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.spotify", gomock.Any(), propMetadata).
					Return(dbus.MakeVariant(map[string]dbus.Variant{"xesam:title": dbus.MakeVariant("Song A")}), nil)

				// 4. Fetch state for VLC
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.vlc", gomock.Any(), propPlaybackStatus).
					Return(dbus.MakeVariant("Paused"), nil)
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.vlc", gomock.Any(), propMetadata).
					Return(dbus.MakeVariant(map[string]dbus.Variant{"xesam:title": dbus.MakeVariant("Video B")}), nil)

				// Optional properties unsupported by both
				m.EXPECT().GetProperty(gomock.Any(), gomock.Any(), propRate).
					Return(dbus.Variant{}, fmt.Errorf("unsupported")).Times(2)
				m.EXPECT().GetProperty(gomock.Any(), gomock.Any(), propPosition).
					Return(dbus.Variant{}, fmt.Errorf("unsupported")).Times(2)
			},
			expectedPlayers: []string{"org.mpris.MediaPlayer2.spotify", "org.mpris.MediaPlayer2.vlc"},
			expectedMappings: map[string]string{
				":1.100": "org.mpris.MediaPlayer2.spotify",
				":1.200": "org.mpris.MediaPlayer2.vlc",
			},
		},
		{
			name: "Success - Player With Two Names Tracked Once",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return([]string{
					"org.mpris.MediaPlayer2.vlc.instance42",
					"org.mpris.MediaPlayer2.vlc",
				}, nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.vlc").Return(":1.200", nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.vlc.instance42").Return(":1.200", nil)

				// Only the first name is queried
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.vlc", gomock.Any(), propPlaybackStatus).
					Return(dbus.MakeVariant("Playing"), nil)
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.vlc", gomock.Any(), gomock.Any()).
					Return(dbus.Variant{}, fmt.Errorf("unsupported")).Times(3)
			},
			expectedPlayers: []string{"org.mpris.MediaPlayer2.vlc"},
			expectedMappings: map[string]string{
				":1.200": "org.mpris.MediaPlayer2.vlc",
			},
		},
		{
			name: "Success - Unresolvable Owner Skipped",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return([]string{"org.mpris.MediaPlayer2.ghost"}, nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.ghost").Return("", fmt.Errorf("no such name"))
			},
			expectedPlayers:  nil,
			expectedMappings: map[string]string{},
		},
		{
			name: "Success - No Players",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return([]string{"org.freedesktop.DBus"}, nil)
			},
			expectedPlayers:  nil,
			expectedMappings: map[string]string{},
		},
		{
			name: "Failure - ListNames fails",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return(nil, fmt.Errorf("bus error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := mocks.NewMockDBusClient(ctrl)
			tt.setupMock(mockClient)

			mon := newTestMonitor(config.DefaultValues())
			mon.conn = mockClient
			mon.running = true

			err := mon.detectExistingPlayers(context.Background())

			// Check Error
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			// Check Mappings
			if len(mon.playerNames) != len(tt.expectedMappings) {
				t.Errorf("Mapping count mismatch: want %d, got %d", len(tt.expectedMappings), len(mon.playerNames))
			}
			for k, v := range tt.expectedMappings {
				if mon.playerNames[k] != v {
					t.Errorf("Mapping mismatch for %s: want %s, got %s", k, v, mon.playerNames[k])
				}
			}

			if tt.expectError {
				if len(mon.Events()) != 0 {
					t.Errorf("Expected no events on failure, got %d", len(mon.Events()))
				}
				return
			}

			// The player set is announced first, sorted, followed by one state event per player
			connected := expectKind(t, mon.Events(), domain.EventBusConnected)
			if len(connected.Players) != len(tt.expectedPlayers) {
				t.Fatalf("Expected players %v, got %v", tt.expectedPlayers, connected.Players)
			}
			for i, name := range tt.expectedPlayers {
				if connected.Players[i] != name {
					t.Errorf("Player %d: want %s, got %s", i, name, connected.Players[i])
				}
			}
			for _, name := range tt.expectedPlayers {
				ev := expectKind(t, mon.Events(), domain.EventPropertiesChanged)
				if ev.Player != name {
					t.Errorf("Expected state for %s, got %s", name, ev.Player)
				}
			}
			if len(mon.Events()) != 0 {
				t.Errorf("Unexpected extra events: %d", len(mon.Events()))
			}
		})
	}
}

func TestAddMatchRules(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(*mocks.MockDBusClient)
		expectError bool
	}{
		{
			name: "All Rules Added",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
				m.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any()).Return(nil)
			},
		},
		{
			name: "PropertiesChanged Rule Fails",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any(), gomock.Any()).Return(fmt.Errorf("denied"))
			},
			expectError: true,
		},
		{
			name: "Optional Rules Fail",
			setupMock: func(m *mocks.MockDBusClient) {
				gomock.InOrder(
					m.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
					m.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any(), gomock.Any()).Return(fmt.Errorf("denied")),
				)
				m.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any()).Return(fmt.Errorf("denied"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := mocks.NewMockDBusClient(ctrl)
			tt.setupMock(mockClient)

			mon := newTestMonitor(config.DefaultValues())
			err := mon.addMatchRules(mockClient)

			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

// TestPlayerWithSeveralNames follows a player owning two MPRIS names from
// detection through a pause into the published snapshot
func TestPlayerWithSeveralNames(t *testing.T) {
	const (
		vlc      = "org.mpris.MediaPlayer2.vlc"
		instance = "org.mpris.MediaPlayer2.vlc.instance42"
		owner    = ":1.200"
	)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := mocks.NewMockDBusClient(ctrl)
	mockClient.EXPECT().ListNames().Return([]string{"org.freedesktop.DBus", instance, vlc}, nil)
	mockClient.EXPECT().GetNameOwner(vlc).Return(owner, nil)
	mockClient.EXPECT().GetNameOwner(instance).Return(owner, nil)
	mockClient.EXPECT().GetProperty(vlc, gomock.Any(), propPlaybackStatus).
		Return(dbus.MakeVariant("Playing"), nil)
	mockClient.EXPECT().GetProperty(vlc, gomock.Any(), propMetadata).
		Return(dbus.MakeVariant(map[string]dbus.Variant{"xesam:title": dbus.MakeVariant("Clip")}), nil)
	mockClient.EXPECT().GetProperty(vlc, gomock.Any(), propRate).
		Return(dbus.MakeVariant(1.0), nil)
	mockClient.EXPECT().GetProperty(vlc, gomock.Any(), propPosition).
		Return(dbus.MakeVariant(int64(5_000_000)), nil)
	// The pause re-reads the position through the sender
	mockClient.EXPECT().GetProperty(owner, gomock.Any(), propPosition).
		Return(dbus.MakeVariant(int64(6_000_000)), nil)

	mon := newTestMonitor(config.DefaultValues())
	mon.conn = mockClient
	mon.running = true

	cfg := config.FromValues(zap.NewNop(), config.DefaultValues())
	syncer := engine.NewSynchronizer(zap.NewNop(), cfg, mon, metrics.New())

	ctx := context.Background()
	if err := mon.detectExistingPlayers(ctx); err != nil {
		t.Fatalf("detectExistingPlayers failed: %v", err)
	}
	mon.handleSignal(ctx, &dbus.Signal{
		Name:   signalPropertiesChanged,
		Sender: owner,
		Body: []interface{}{
			mprisPlayerIface,
			map[string]dbus.Variant{"PlaybackStatus": dbus.MakeVariant("Paused")},
			[]string{},
		},
	})

	for len(mon.Events()) > 0 {
		syncer.HandleEvent(<-mon.Events())
	}

	snap := syncer.Snapshot()
	if snap.Player != vlc {
		t.Errorf("expected %s to be active, got %q", vlc, snap.Player)
	}
	if snap.Status != domain.StatusPaused {
		t.Errorf("expected paused snapshot, got %s", snap.Status)
	}
	if snap.RawPosition != 6_000_000 {
		t.Errorf("expected position 6000000, got %d", snap.RawPosition)
	}
}

// TestReleaseName_AdoptsRemainingName verifies a player that drops the name
// it is tracked under continues under another name it still owns
func TestReleaseName_AdoptsRemainingName(t *testing.T) {
	const (
		vlc      = "org.mpris.MediaPlayer2.vlc"
		instance = "org.mpris.MediaPlayer2.vlc.instance42"
		owner    = ":1.200"
	)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := mocks.NewMockDBusClient(ctrl)
	mockClient.EXPECT().ListNames().Return([]string{"org.freedesktop.DBus", instance}, nil)
	mockClient.EXPECT().GetNameOwner(instance).Return(owner, nil)
	mockClient.EXPECT().GetProperty(instance, gomock.Any(), propPlaybackStatus).
		Return(dbus.MakeVariant("Paused"), nil)
	mockClient.EXPECT().GetProperty(instance, gomock.Any(), gomock.Any()).
		Return(dbus.Variant{}, fmt.Errorf("unsupported")).Times(3)

	mon := newTestMonitor(config.DefaultValues())
	mon.conn = mockClient
	mon.running = true
	mon.playerNames = map[string]string{owner: vlc}

	mon.dispatch(context.Background(), &dbus.Signal{
		Name: signalNameOwnerChanged,
		Body: []interface{}{vlc, owner, ""},
	})

	vanished := expectKind(t, mon.Events(), domain.EventPlayerVanished)
	if vanished.Player != vlc {
		t.Errorf("expected %s to vanish, got %s", vlc, vanished.Player)
	}
	state := expectKind(t, mon.Events(), domain.EventPropertiesChanged)
	if state.Player != instance {
		t.Errorf("expected state for %s, got %s", instance, state.Player)
	}
	if got, _ := mon.getPlayerName(owner); got != instance {
		t.Errorf("expected %s to be tracked as %s, got %q", owner, instance, got)
	}
}
