package client_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/pjlink/client"
	"github.com/luma/pjlink/protocol"
	"github.com/luma/pjlink/transport"
)

// class2Replies scripts the Class 2, no-auth, power-off device from the
// protocol conformance scenarios: COMPUTER input, lamp and filter queries
// rejected, serial/version unavailable.
func class2Replies() map[string]string {
	return map[string]string{
		"%1CLSS ?":   "%1CLSS=2",
		"%1POWR ?":   "%1POWR=0",
		"%1INPT ?":   "%1INPT=11",
		"%2INST ?":   "%2INST=11 31 32 33 51 61",
		"%2INNM ?11": "%2INNM=COMPUTER",
		"%1AVMT ?":   "%1AVMT=31",
		"%1ERST ?":   "%1ERST=000000",
		"%1LAMP ?":   "%1LAMP=ERR1",
		"%1NAME ?":   "%1NAME=REAL NAME",
		"%1INF1 ?":   "%1INF1=MODEL_NAME",
		"%1INF2 ?":   "%1INF2=Manufacturer information",
		"%1INFO ?":   "%1INFO=General additional info",
		"%2SNUM ?":   "%2SNUM=ERR3",
		"%2SVER ?":   "%2SVER=ERR3",
		"%2FILT ?":   "%2FILT=ERR1",
		"%2RFIL ?":   "%2RFIL=ERR3",
		"%2RLMP ?":   "%2RLMP=ERR3",
		"%2FREZ ?":   "%2FREZ=ERR1",
		"%2RRES ?":   "%2RRES=ERR3",
		"%2IRES ?":   "%2IRES=ERR3",
	}
}

func newTestClient(fake *fakeDevice, password string) *client.Client {
	c := client.New(client.Options{
		Transport:           fake,
		Password:            password,
		ConnectionKeepAlive: -1,
	})
	c.SetSleepForTesting(func(time.Duration) {})

	return c
}

func controlProperties(snapshot *client.Snapshot) []string {
	out := make([]string, 0, len(snapshot.Controls))
	for _, control := range snapshot.Controls {
		out = append(out, control.Property)
	}

	return out
}

var _ = Describe("Client", func() {
	ctx := context.Background()

	Describe("polling a Class 2 device without authentication", func() {
		var (
			fake *fakeDevice
			c    *client.Client
			snap *client.Snapshot
		)

		BeforeEach(func() {
			fake = newFakeDevice("", "", class2Replies())
			c = newTestClient(fake, "")

			var err error
			snap, err = c.Poll(ctx)
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			Expect(c.Close()).To(Succeed())
		})

		It("reports the device class", func() {
			Expect(snap.Properties).To(HaveKeyWithValue(client.PJLinkClassProperty, "2"))
		})

		It("collects the Class 1 properties", func() {
			Expect(snap.Properties).To(HaveKeyWithValue(client.PowerProperty, "0"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.DeviceNameProperty, "REAL NAME"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.ManufacturerProperty, "MODEL_NAME"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.ProductProperty, "Manufacturer information"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.DeviceDetailsProperty, "General additional info"))
		})

		It("resolves the input code through the input catalog", func() {
			Expect(snap.Properties).To(HaveKeyWithValue(client.InputProperty, "COMPUTER"))
		})

		It("interprets the AVMT and ERST values", func() {
			Expect(snap.Properties).To(HaveKeyWithValue(client.AudioMuteProperty, "1"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.VideoMuteProperty, "1"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.ErrorFanProperty, "OK"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.ErrorOtherProperty, "OK"))
		})

		It("omits properties the device rejected", func() {
			Expect(snap.Properties).NotTo(HaveKey(client.SerialNumberProperty))
			Expect(snap.Properties).NotTo(HaveKey(client.SWVersionProperty))
			Expect(snap.Properties).NotTo(HaveKey(client.FilterUsageProperty))
			Expect(snap.Properties).NotTo(HaveKey(client.FreezeProperty))
			Expect(snap.Properties).NotTo(HaveKey("Lamp#Lamp1UsageTime"))
		})

		It("emits no empty property keys", func() {
			for key := range snap.Properties {
				Expect(key).NotTo(BeEmpty())
			}
		})

		It("offers only the power switch while the device is off", func() {
			Expect(controlProperties(snap)).To(Equal([]string{client.PowerProperty}))
		})

		It("skips commands the device rejected with ERR1 on the next poll", func() {
			c.ExpireControlCooldownForTesting()

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			Expect(fake.countRequests("%1LAMP ?")).To(Equal(1))
			Expect(fake.countRequests("%2FILT ?")).To(Equal(1))
			Expect(fake.countRequests("%2FREZ ?")).To(Equal(1))
			Expect(fake.countRequests("%1NAME ?")).To(Equal(2))
		})

		It("probes the volume capabilities on the first poll only", func() {
			Expect(fake.countRequests("%2SVOL 1")).To(Equal(1))
			Expect(fake.countRequests("%2MVOL 1")).To(Equal(1))

			c.ExpireControlCooldownForTesting()

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			Expect(fake.countRequests("%2SVOL 1")).To(Equal(1))
			Expect(fake.countRequests("%2MVOL 1")).To(Equal(1))
		})

		It("produces identical snapshots for identical device replies", func() {
			c.ExpireControlCooldownForTesting()

			again, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			Expect(again.Properties).To(Equal(snap.Properties))
			Expect(again.Controls).To(Equal(snap.Controls))
		})
	})

	Describe("authentication", func() {
		class1Replies := func() map[string]string {
			return map[string]string{
				"%1CLSS ?": "%1CLSS=1",
				"%1POWR ?": "%1POWR=1",
				"%1AVMT ?": "%1AVMT=30",
				"%1ERST ?": "%1ERST=000000",
				"%1LAMP ?": "%1LAMP=100 1",
				"%1NAME ?": "%1NAME=HALL",
				"%1INF1 ?": "%1INF1=ACME",
				"%1INF2 ?": "%1INF2=PJ-1",
				"%1INFO ?": "%1INFO=info",
			}
		}

		It("prepends the MD5 digest of nonce and password to the first command", func() {
			fake := newFakeDevice("PJLINK 1 6b1aa0ba", "secret", class1Replies())
			c := newTestClient(fake, "secret")
			defer c.Close()

			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(snap.Properties).To(HaveKeyWithValue(client.PJLinkClassProperty, "1"))

			sum := md5.Sum([]byte("6b1aa0ba" + "secret"))
			digest := hex.EncodeToString(sum[:])

			raw := fake.RawRequests()
			Expect(raw[0]).To(Equal(digest + "%1CLSS ?"))
		})

		It("authenticates at most once per session", func() {
			fake := newFakeDevice("PJLINK 1 6b1aa0ba", "secret", class1Replies())
			c := newTestClient(fake, "secret")
			defer c.Close()

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			raw := fake.RawRequests()
			Expect(len(raw)).To(BeNumerically(">", 1))

			for _, request := range raw[1:] {
				Expect(strings.HasPrefix(request, "%")).To(BeTrue(),
					"expected no digest prefix on %q", request)
			}
		})

		It("collects no Class 2 properties from a Class 1 device", func() {
			fake := newFakeDevice("PJLINK 1 6b1aa0ba", "secret", class1Replies())
			c := newTestClient(fake, "secret")
			defer c.Close()

			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			Expect(snap.Properties).NotTo(HaveKey(client.SerialNumberProperty))
			Expect(snap.Properties).NotTo(HaveKey(client.SWVersionProperty))
			Expect(fake.countRequests("%2SNUM ?")).To(Equal(0))
		})

		It("surfaces AuthFailed when the device rejects the digest", func() {
			fake := newFakeDevice("PJLINK 1 6b1aa0ba", "secret", class1Replies())
			c := newTestClient(fake, "wrong")
			defer c.Close()

			_, err := c.Poll(ctx)
			Expect(errors.Is(err, protocol.ErrAuthFailed)).To(BeTrue())
		})
	})

	Describe("controls", func() {
		var (
			fake *fakeDevice
			c    *client.Client
		)

		BeforeEach(func() {
			fake = newFakeDevice("", "", class2Replies())
			fake.setReply("%2FREZ ?", "%2FREZ=0")
			c = newTestClient(fake, "")

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			Expect(c.Close()).To(Succeed())
		})

		It("powers the device on and reveals the dependent controls on the next poll", func() {
			fake.setReply("%1POWR 1", "%1POWR=OK")
			Expect(c.Control(ctx, client.PowerProperty, "1")).To(Succeed())

			Expect(fake.countRequests("%1POWR 1")).To(Equal(1))

			// The cache reflects the control immediately.
			cached, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(cached.Properties).To(HaveKeyWithValue(client.PowerProperty, "1"))

			fake.setReply("%1POWR ?", "%1POWR=1")
			c.ExpireControlCooldownForTesting()

			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			properties := controlProperties(snap)
			Expect(properties).To(ContainElement(client.AudioMuteProperty))
			Expect(properties).To(ContainElement(client.VideoMuteProperty))
			Expect(properties).To(ContainElement(client.FreezeProperty))
			Expect(properties).To(ContainElement(client.InputProperty))
		})

		It("switches the input through the catalog mapping", func() {
			fake.setReply("%2INNM ?31", "%2INNM=HDMI1")
			c.ExpireControlCooldownForTesting()

			// Rebuild the catalog so HDMI1 resolves.
			c2 := newTestClient(fake, "")
			defer c2.Close()

			_, err := c2.Poll(ctx)
			Expect(err).To(Succeed())

			fake.setReply("%1INPT 31", "%1INPT=OK")
			Expect(c2.Control(ctx, client.InputProperty, "HDMI1")).To(Succeed())

			Expect(fake.countRequests("%1INPT 31")).To(Equal(1))

			cached, err := c2.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(cached.Properties).To(HaveKeyWithValue(client.InputProperty, "HDMI1"))
		})

		It("mutes audio independently of video", func() {
			fake.setReply("%1AVMT 21", "%1AVMT=OK")
			Expect(c.Control(ctx, client.AudioMuteProperty, "1")).To(Succeed())

			Expect(fake.countRequests("%1AVMT 21")).To(Equal(1))

			fake.setReply("%1AVMT ?", "%1AVMT=21")
			c.ExpireControlCooldownForTesting()

			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(snap.Properties).To(HaveKeyWithValue(client.AudioMuteProperty, "1"))
			Expect(snap.Properties).To(HaveKeyWithValue(client.VideoMuteProperty, "0"))
		})

		It("retires the power-dependent controls when the device powers off", func() {
			fake.setReply("%1POWR 1", "%1POWR=OK")
			fake.setReply("%1POWR ?", "%1POWR=1")
			Expect(c.Control(ctx, client.PowerProperty, "1")).To(Succeed())

			c.ExpireControlCooldownForTesting()
			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(controlProperties(snap)).To(ContainElement(client.InputProperty))

			fake.setReply("%1POWR 0", "%1POWR=OK")
			Expect(c.Control(ctx, client.PowerProperty, "0")).To(Succeed())

			cached, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			properties := controlProperties(cached)
			Expect(properties).NotTo(ContainElement(client.InputProperty))
			Expect(properties).NotTo(ContainElement(client.AudioMuteProperty))
			Expect(properties).NotTo(ContainElement(client.VideoMuteProperty))
			Expect(properties).NotTo(ContainElement(client.FreezeProperty))
		})

		It("returns the cached snapshot while the control cooldown is active", func() {
			fake.setReply("%1POWR 1", "%1POWR=OK")
			Expect(c.Control(ctx, client.PowerProperty, "1")).To(Succeed())

			before := len(fake.Requests())

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			Expect(fake.Requests()).To(HaveLen(before))
		})

		It("maps the device error codes onto the control errors", func() {
			fake.setReply("%1POWR 1", "%1POWR=ERR2")
			err := c.Control(ctx, client.PowerProperty, "1")
			Expect(errors.Is(err, protocol.ErrBadParameter)).To(BeTrue())

			fake.setReply("%1POWR 1", "%1POWR=ERR3")
			err = c.Control(ctx, client.PowerProperty, "1")
			Expect(errors.Is(err, protocol.ErrDeviceBusy)).To(BeTrue())

			fake.setReply("%1POWR 1", "%1POWR=ERR4")
			err = c.Control(ctx, client.PowerProperty, "1")
			Expect(errors.Is(err, protocol.ErrDeviceFailure)).To(BeTrue())
		})

		It("marks a property unsupported on ERR1 and stops sending it", func() {
			fake.setReply("%2FREZ 1", "%2FREZ=ERR1")

			err := c.Control(ctx, client.FreezeProperty, "1")
			Expect(errors.Is(err, protocol.ErrUnsupported)).To(BeTrue())

			err = c.Control(ctx, client.FreezeProperty, "1")
			Expect(errors.Is(err, protocol.ErrUnsupported)).To(BeTrue())

			Expect(fake.countRequests("%2FREZ 1")).To(Equal(1))
		})

		It("ignores unknown property names", func() {
			before := len(fake.Requests())

			Expect(c.Control(ctx, "System#Nonsense", "1")).To(Succeed())

			Expect(fake.Requests()).To(HaveLen(before))
		})

		It("rejects an input value missing from the catalog", func() {
			err := c.Control(ctx, client.InputProperty, "NOT AN INPUT")
			Expect(errors.Is(err, protocol.ErrBadParameter)).To(BeTrue())
		})

		It("accepts a control that re-applies the cached value", func() {
			fake.setReply("%1POWR 0", "%1POWR=OK")

			Expect(c.Control(ctx, client.PowerProperty, "0")).To(Succeed())
			Expect(fake.countRequests("%1POWR 0")).To(Equal(1))

			cached, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(cached.Properties).To(HaveKeyWithValue(client.PowerProperty, "0"))
		})
	})

	Describe("retry and scroll behavior", func() {
		It("scrolls past stale replies until the tag matches", func() {
			replies := class2Replies()
			replies["%1NAME ?"] = "%1INF1=stale\r%1NAME=REAL NAME"

			fake := newFakeDevice("", "", replies)
			c := newTestClient(fake, "")
			defer c.Close()

			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(snap.Properties).To(HaveKeyWithValue(client.DeviceNameProperty, "REAL NAME"))
		})

		It("gives up after exactly 10 scroll attempts and omits the property", func() {
			stale := make([]string, 11)
			for i := range stale {
				stale[i] = "%1XXXX=stale"
			}

			replies := class2Replies()
			replies["%1NAME ?"] = strings.Join(stale, "\r")

			fake := newFakeDevice("", "", replies)
			c := newTestClient(fake, "")
			defer c.Close()

			snap, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			Expect(snap.Properties).NotTo(HaveKey(client.DeviceNameProperty))
			// The commands after NAME? still resolve cleanly.
			Expect(snap.Properties).To(HaveKeyWithValue(client.ManufacturerProperty, "MODEL_NAME"))
		})

		It("surfaces a transport error once the write retries are exhausted", func() {
			fake := newFakeDevice("", "", class2Replies())
			c := newTestClient(fake, "")
			defer c.Close()

			fake.writeErr = errors.New("broken pipe")

			_, err := c.Poll(ctx)
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
		})
	})

	Describe("configuration", func() {
		It("clamps the commands cooldown to the 200ms floor", func() {
			c := client.New(client.Options{
				Transport:           newFakeDevice("", "", nil),
				CommandsCooldown:    50 * time.Millisecond,
				ConnectionKeepAlive: -1,
			})
			defer c.Close()

			Expect(c.CooldownForTesting()).To(Equal(200 * time.Millisecond))
		})

		It("defaults the commands cooldown to 200ms", func() {
			c := client.New(client.Options{
				Transport:           newFakeDevice("", "", nil),
				ConnectionKeepAlive: -1,
			})
			defer c.Close()

			Expect(c.CooldownForTesting()).To(Equal(200 * time.Millisecond))
		})

		It("keeps a cooldown above the floor unchanged", func() {
			c := client.New(client.Options{
				Transport:           newFakeDevice("", "", nil),
				CommandsCooldown:    500 * time.Millisecond,
				ConnectionKeepAlive: -1,
			})
			defer c.Close()

			Expect(c.CooldownForTesting()).To(Equal(500 * time.Millisecond))
		})
	})

	Describe("keep-alive supervisor", func() {
		It("refreshes an idle session with CLSS while the host is polling", func() {
			fake := newFakeDevice("", "", class2Replies())

			c := client.New(client.Options{
				Transport:           fake,
				ConnectionKeepAlive: 100 * time.Millisecond,
			})
			c.SetSleepForTesting(func(time.Duration) {})
			defer c.Close()

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())

			initial := fake.countRequests("%1CLSS ?")

			Eventually(func() int {
				return fake.countRequests("%1CLSS ?")
			}, 5*time.Second, 100*time.Millisecond).Should(BeNumerically(">", initial))
		})

		It("releases the session once the host stops polling", func() {
			fake := newFakeDevice("", "", class2Replies())

			c := client.New(client.Options{
				Transport:           fake,
				ConnectionKeepAlive: 10 * time.Second,
			})
			c.SetSleepForTesting(func(time.Duration) {})
			defer c.Close()

			_, err := c.Poll(ctx)
			Expect(err).To(Succeed())
			Expect(fake.State()).To(Equal(transport.Connected))

			c.ExpireStatsDeadlineForTesting()

			Eventually(func() transport.State {
				return fake.State()
			}, 5*time.Second, 100*time.Millisecond).Should(Equal(transport.Disconnected))
		})
	})
})
