package protocol

import (
	"encoding/binary"
	"io"
	"net"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const maxSafeOptionLength = 4096

var (
	errAborted       = errors.New("connection aborted by client")
	errUnknownExport = errors.New("unknown export")
)

type serverConnection struct {
	conn    net.Conn
	exports map[string]*Export
	log     zerolog.Logger

	noZeroes bool
}

// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#fixed-newstyle-negotiation
func (c *serverConnection) negotiate() (*Export, error) {
	header := nbdFixedNewStyleHeader{
		NBDMAGIC,
		IHAVEOPT,
		FlagFixedNewStyle | FlagNoZeroes,
	}
	if err := binary.Write(c.conn, binary.BigEndian, header); err != nil {
		return nil, errors.Wrap(err, "writing header")
	}

	var clientFlags nbdClientFlags
	if err := binary.Read(c.conn, binary.BigEndian, &clientFlags); err != nil {
		return nil, errors.Wrap(err, "reading client flags")
	}

	if clientFlags&FlagClientFixedNewStyle != FlagClientFixedNewStyle {
		c.log.Warn().Msg("client flags did not set NBD_FLAG_C_FIXED_NEWSTYLE")
	}
	c.noZeroes = clientFlags&FlagClientNoZeroes != 0

	// Option haggling
	for {
		var clientOptions nbdClientOptions
		if err := binary.Read(c.conn, binary.BigEndian, &clientOptions); err != nil {
			return nil, errors.Wrap(err, "reading client options")
		}

		if clientOptions.OptMagic != IHAVEOPT {
			_ = c.conn.Close()
			return nil, errors.Errorf("bad client option magic %x (expected %x)", clientOptions.OptMagic, IHAVEOPT)
		}

		if clientOptions.Length > maxSafeOptionLength {
			_ = c.conn.Close()
			return nil, errors.Errorf("option length too long: %d > %d", clientOptions.Length, maxSafeOptionLength)
		}
		data := make([]byte, clientOptions.Length)
		if _, err := io.ReadFull(c.conn, data); err != nil {
			_ = c.conn.Close()
			return nil, errors.Wrap(err, "reading option data")
		}
		c.log.Debug().Uint32("option", clientOptions.Option).Uint32("length", clientOptions.Length).Msg("client option")

		switch clientOptions.Option {
		case OptAbort:
			if err := c.reply(OptAbort, RepAck, nil); err != nil {
				return nil, err
			}
			_ = c.conn.Close()
			return nil, errAborted

		case OptExportName:
			export, ok := c.exports[string(data)]
			if !ok {
				// There is no way to report an error to NBD_OPT_EXPORT_NAME.
				_ = c.conn.Close()
				return nil, errors.Wrapf(errUnknownExport, "%q", data)
			}
			if err := c.sendExportDetails(export); err != nil {
				return nil, err
			}
			return export, nil

		case OptList:
			if len(data) != 0 {
				if err := c.reply(OptList, RepErrInvalid, nil); err != nil {
					return nil, err
				}
				continue
			}
			if err := c.listExports(); err != nil {
				return nil, err
			}

		case OptInfo, OptGo:
			export, err := c.info(clientOptions.Option, data)
			if err != nil {
				return nil, err
			}
			if export != nil && clientOptions.Option == OptGo {
				return export, nil
			}

		default:
			if err := c.reply(clientOptions.Option, RepErrUnsup, nil); err != nil {
				return nil, err
			}
		}
	}
}

func (c *serverConnection) reply(option uint32, replyType uint32, data []byte) error {
	if err := binary.Write(c.conn, binary.BigEndian, nbdOptReply{REPLYMAGIC, option, replyType, uint32(len(data))}); err != nil {
		return errors.Wrap(err, "writing option reply")
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := c.conn.Write(data); err != nil {
		return errors.Wrap(err, "writing option reply data")
	}
	return nil
}

// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#nbd_opt_export_name
func (c *serverConnection) sendExportDetails(export *Export) error {
	if err := binary.Write(c.conn, binary.BigEndian, nbdExportDetails{export.Size(), export.transmissionFlags()}); err != nil {
		return errors.Wrap(err, "writing export details")
	}
	if c.noZeroes {
		return nil
	}
	if _, err := c.conn.Write(make([]byte, 124)); err != nil {
		return errors.Wrap(err, "writing export details padding")
	}
	return nil
}

func (c *serverConnection) listExports() error {
	names := make([]string, 0, len(c.exports))
	for name := range c.exports {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := make([]byte, 4+len(name))
		binary.BigEndian.PutUint32(data, uint32(len(name)))
		copy(data[4:], name)
		if err := c.reply(OptList, RepServer, data); err != nil {
			return err
		}
	}
	return c.reply(OptList, RepAck, nil)
}

// info answers NBD_OPT_INFO and NBD_OPT_GO. It returns the export when the client may use it, or
// nil after an error reply.
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#nbd_opt_info-and-nbd_opt_go
func (c *serverConnection) info(option uint32, data []byte) (*Export, error) {
	if len(data) < 6 {
		return nil, c.reply(option, RepErrInvalid, nil)
	}
	nameLen := binary.BigEndian.Uint32(data)
	if uint64(nameLen)+6 > uint64(len(data)) {
		return nil, c.reply(option, RepErrInvalid, nil)
	}
	name := string(data[4 : 4+nameLen])
	nInfo := binary.BigEndian.Uint16(data[4+nameLen:])
	if int(nameLen)+6+2*int(nInfo) != len(data) {
		return nil, c.reply(option, RepErrInvalid, nil)
	}

	export, ok := c.exports[name]
	if !ok {
		return nil, c.reply(option, RepErrUnknown, nil)
	}

	// NBD_INFO_EXPORT is always sent. Other information requests are optional and ignored.
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info, InfoExport)
	binary.BigEndian.PutUint64(info[2:], export.Size())
	binary.BigEndian.PutUint16(info[10:], export.transmissionFlags())
	if err := c.reply(option, RepInfo, info); err != nil {
		return nil, err
	}
	if err := c.reply(option, RepAck, nil); err != nil {
		return nil, err
	}
	return export, nil
}
