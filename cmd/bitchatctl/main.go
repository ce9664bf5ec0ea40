// Copyright (c) 2020 Sperax
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/fatih/structs"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/99designs/keyring"

	"github.com/bitchat-mesh/bitchat-core/config"
	"github.com/bitchat-mesh/bitchat-core/contact"
	"github.com/bitchat-mesh/bitchat-core/engine"
	"github.com/bitchat-mesh/bitchat-core/identity"
	"github.com/bitchat-mesh/bitchat-core/keystore"
	"github.com/bitchat-mesh/bitchat-core/message"
	"github.com/bitchat-mesh/bitchat-core/sendpipeline"
	"github.com/bitchat-mesh/bitchat-core/transport"
	"github.com/bitchat-mesh/bitchat-core/wipe"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:                 "bitchatctl",
		Usage:                "operator/debug CLI for the BitChat mesh core",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			identityCommand(),
			contactsCommand(),
			wipeCommand(),
			routeCommand(),
			chatCommand(),
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func identityCommand() *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "derive a hash ID, fingerprint, and QR URI for a public key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "pubkey-hex",
				Usage: "64-lowercase-hex static public key; a fresh random key is generated if omitted",
			},
		},
		Action: func(c *cli.Context) error {
			var pk [32]byte
			if hexKey := c.String("pubkey-hex"); hexKey != "" {
				raw, err := hex.DecodeString(hexKey)
				if err != nil || len(raw) != 32 {
					return fmt.Errorf("pubkey-hex must be 64 lowercase hex characters")
				}
				copy(pk[:], raw)
			} else {
				if _, err := io.ReadFull(rand.Reader, pk[:]); err != nil {
					return err
				}
				log.Info("generated a fresh random public key for this demo identity")
			}

			fmt.Println("public_key:  ", hex.EncodeToString(pk[:]))
			fmt.Println("hash_id:     ", identity.HashID(pk))
			fmt.Println("fingerprint: ", identity.Fingerprint(pk))
			fmt.Println("qr_uri:      ", identity.QRURI(pk))
			return nil
		},
	}
}

func contactsCommand() *cli.Command {
	return &cli.Command{
		Name:  "contacts",
		Usage: "list known contacts, ordered per the favorites/recency rule",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "./bitchat-contacts.db", Usage: "contact store path"},
		},
		Action: func(c *cli.Context) error {
			store, err := contact.Open(c.String("db"), log)
			if err != nil {
				return err
			}
			defer store.Close()

			contacts, err := store.ListOrdered()
			if err != nil {
				return err
			}
			if len(contacts) == 0 {
				fmt.Println("no contacts")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"hash_id", "display_name", "trusted", "favorite", "connected", "unread_count"})
			for _, ct := range contacts {
				fields := structs.New(ct).Map()
				table.Append([]string{
					fmt.Sprint(fields["HashID"]),
					ct.EffectiveName(),
					fmt.Sprint(fields["Trusted"]),
					fmt.Sprint(fields["Favorite"]),
					fmt.Sprint(fields["Connected"]),
					fmt.Sprint(fields["UnreadCount"]),
				})
			}
			table.Render()
			return nil
		},
	}
}

func wipeCommand() *cli.Command {
	return &cli.Command{
		Name:  "wipe",
		Usage: "run PanicWipe against the given state paths and print the report",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "messages-db", Value: "./bitchat-messages.db"},
			&cli.StringFlag{Name: "contacts-db", Value: "./bitchat-contacts.db"},
			&cli.StringFlag{Name: "keyring-dir", Value: "./bitchat-keyring"},
			&cli.StringFlag{Name: "cache-dir", Value: "./bitchat-cache"},
			&cli.StringFlag{Name: "private-data-root", Value: "./bitchat-private"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.NewDefaultStore()

			msgStore, err := message.Open(c.String("messages-db"), cfg, log)
			if err != nil {
				log.WithError(err).Warn("could not open message store for wipe")
			}
			contactStore, err := contact.Open(c.String("contacts-db"), log)
			if err != nil {
				log.WithError(err).Warn("could not open contact store for wipe")
			}
			ks, err := keystore.Open(c.String("keyring-dir"), log, keyring.FileBackend)
			if err != nil {
				log.WithError(err).Warn("could not open keystore for wipe")
			}

			paths := wipe.Paths{
				DBPath:          c.String("messages-db"),
				CacheDir:        c.String("cache-dir"),
				PrivateDataRoot: c.String("private-data-root"),
			}
			runner := wipe.New(paths, msgStore, contactStore, ks, log)
			result := runner.Run()

			fmt.Println("success:      ", result.Success)
			fmt.Println("duration_ms:  ", result.DurationMS)
			fmt.Println("bytes_freed:  ", bytefmt.ByteSize(result.BytesFreed))
			fmt.Println("deleted_items:", result.DeletedItems)
			if len(result.Errors) > 0 {
				fmt.Println("errors:       ", result.Errors)
			}
			return nil
		},
	}
}

func routeCommand() *cli.Command {
	return &cli.Command{
		Name:  "route",
		Usage: "dry-run the BLE/WiFi-Direct transport decision table",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "battery", Value: 100, Usage: "battery percent"},
			&cli.IntFlag{Name: "packet-size", Value: 512, Usage: "payload size in bytes"},
			&cli.IntFlag{Name: "ble-rssi", Value: 0, Usage: "BLE RSSI; ignored unless --ble-known"},
			&cli.BoolFlag{Name: "ble-known", Usage: "peer is reachable on BLE"},
			&cli.BoolFlag{Name: "wifi-known", Usage: "peer is reachable on WiFi-Direct"},
		},
		Action: func(c *cli.Context) error {
			cond := transport.Conditions{
				BatteryPercent: c.Int("battery"),
				PacketSize:     c.Int("packet-size"),
			}
			if c.Bool("ble-known") {
				cond.BLE = &transport.BLEPeer{RSSI: c.Int("ble-rssi")}
			}
			if c.Bool("wifi-known") {
				cond.WiFi = &transport.WiFiPeer{}
			}
			fmt.Println(transport.Select(cond))
			return nil
		},
	}
}

// loggingSender is the transport seam engine.Engine holds without owning
// (spec section 9): until a real BLE/WiFi-Direct transport is wired in,
// it just logs what would have gone over the air.
type loggingSender struct {
	log *logrus.Entry
}

func (s *loggingSender) SendPrivate(peerAddr, recipientNickname, senderNickname, content, msgID string) {
	s.log.WithFields(logrus.Fields{"peer": peerAddr, "msg_id": msgID}).Info("would transmit private message")
}

func (s *loggingSender) SendReadReceipt(peerAddr, msgID string) {
	s.log.WithFields(logrus.Fields{"peer": peerAddr, "msg_id": msgID}).Info("would transmit read receipt")
}

func (s *loggingSender) SendAnnounce(peerAddr string) {
	s.log.WithField("peer", peerAddr).Info("would broadcast announce")
}

func (s *loggingSender) InitiateHandshake(peerAddr string) {
	s.log.WithField("peer", peerAddr).Info("would initiate handshake")
}

func (s *loggingSender) HasSession(peerAddr string) bool { return false }

// chatCommand wires ContactStore, MessageStore, ConversationEngine, and
// SendPipeline together against real on-disk stores, sends one outgoing
// message through the pipeline, and feeds one simulated mesh-origin
// message back through InsertMeshMessage/HandleIncoming, proving the
// seam interfaces (engine.ContactLookup, sendpipeline.Inserter) are
// actually satisfied by the production stores and engine, not just by
// test fakes.
func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "wire ConversationEngine + SendPipeline against real stores and exchange one message end to end",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "contacts-db", Value: "./bitchat-contacts.db"},
			&cli.StringFlag{Name: "messages-db", Value: "./bitchat-messages.db"},
			&cli.StringFlag{Name: "my-peer-addr", Value: "local"},
			&cli.StringFlag{Name: "peer-addr", Value: "peerA", Usage: "peer address to chat with"},
			&cli.StringFlag{Name: "content", Value: "hello from bitchatctl", Usage: "outgoing message content"},
		},
		Action: func(c *cli.Context) error {
			contacts, err := contact.Open(c.String("contacts-db"), log)
			if err != nil {
				return err
			}
			defer contacts.Close()

			cfg := config.NewDefaultStore()
			msgStore, err := message.Open(c.String("messages-db"), cfg, log)
			if err != nil {
				return err
			}
			defer msgStore.Close()

			sweeper := message.StartRetentionSweeper(msgStore, cfg, log)
			defer sweeper.Stop()

			myAddr, peerAddr := c.String("my-peer-addr"), c.String("peer-addr")
			sender := &loggingSender{log: log.WithField("component", "transport-stub")}
			eng := engine.New(myAddr, sender, contacts, msgStore, cfg, log)
			pipeline := sendpipeline.New(eng, log)
			defer pipeline.Shutdown()

			if err := eng.StartPrivateChat(peerAddr); err != nil {
				return err
			}

			sent := make(chan string, 1)
			err = pipeline.Enqueue(sendpipeline.SendRequest{
				Content:           c.String("content"),
				PeerAddr:          peerAddr,
				RecipientNickname: peerAddr,
				SenderNickname:    myAddr,
				MyPeerAddr:        myAddr,
				EmitCallback: func(content, addr, recipientNickname, msgID string) {
					sender.SendPrivate(addr, recipientNickname, myAddr, content, msgID)
					sent <- msgID
				},
			})
			if err != nil {
				return err
			}
			<-sent

			reply := message.Message{
				ID:                uuid.NewString(),
				SenderDisplay:     peerAddr,
				Content:           "ack",
				Timestamp:         time.Now(),
				IsPrivate:         true,
				SenderPeerAddress: peerAddr,
				Status:            message.Delivered(myAddr, time.Now()),
			}
			eng.InsertMeshMessage(peerAddr, reply)
			eng.HandleIncoming(reply, false)
			eng.DrainReadReceipts(peerAddr)

			_, snap, cancel := eng.Observe()
			cancel()
			fmt.Printf("conversation with %s now has %d message(s):\n", peerAddr, len(snap.Conversations[peerAddr]))
			for _, m := range snap.Conversations[peerAddr] {
				fmt.Printf("  %s: %s\n", m.SenderDisplay, m.Content)
			}
			return nil
		},
	}
}
