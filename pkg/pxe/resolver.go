package pxe

import (
	"fmt"
	"path"
	"strconv"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// Lifecycle checkpoints. Packages install between the install anchors;
// configuration happens between the config anchors.
var (
	InstallBegin        = engine.Ref(engine.KindAnchor, "ironic::install::begin")
	InstallEnd          = engine.Ref(engine.KindAnchor, "ironic::install::end")
	ConfigBegin         = engine.Ref(engine.KindAnchor, "ironic::config::begin")
	ConfigEnd           = engine.Ref(engine.KindAnchor, "ironic::config::end")
	InspectorInstallEnd = engine.Ref(engine.KindAnchor, "ironic-inspector::install::end")
)

// Tags carried by resolved intents.
const (
	TagTFTPFile  = "ironic-tftp-file"
	TagSyslinux  = "ironic-syslinux"
	TagIPXEImage = "ironic-ipxe-image"
)

var packageTags = []string{"openstack", "ironic-ipxe", "ironic-support-package"}

const (
	embeddedTitle         = "dnsmasq-tftp-server"
	xinetdTFTPServiceName = "tftp"
)

// Intent IDs shared between the two backend branches.
var (
	tftpServerPackageID = engine.Ref(engine.KindPackage, "tftp-server")
	xinetdPackageID     = engine.Ref(engine.KindPackage, "xinetd")
	xinetdServiceID     = engine.Ref(engine.KindService, "xinetd")
	tftpServiceID       = engine.Ref(engine.KindService, xinetdTFTPServiceName)
	embeddedPackageID   = engine.Ref(engine.KindPackage, embeddedTitle)
	embeddedServiceID   = engine.Ref(engine.KindService, embeddedTitle)
)

// Resolve turns a validated configuration and a platform profile into the
// resource set that provisions network boot on the host. It is pure: the
// same inputs always yield the same set, and it never touches the system.
//
// Every feature that is turned off is expressed as absent or stopped
// intents in the same set, so a converger needs no separate cleanup pass.
func Resolve(cfg Config, profile PlatformProfile) *engine.ResourceSet {
	r := &resolver{
		cfg:     cfg,
		profile: profile,
		set:     engine.NewResourceSet(),
	}

	r.anchors()
	r.directories()

	switch b := cfg.backend().(type) {
	case EmbeddedBackend:
		r.embeddedBackend(b)
		r.xinetdTeardown()
	default:
		r.xinetdBackend()
		r.embeddedTeardown()
	}

	r.ipxeImages()
	r.syslinux()
	r.parameters()

	return r.set
}

type resolver struct {
	cfg     Config
	profile PlatformProfile
	set     *engine.ResourceSet
}

// add inserts intents; the resolver never emits an ID twice, so a failure
// here is a programming error.
func (r *resolver) add(intents ...*engine.Intent) {
	if err := r.set.Add(intents...); err != nil {
		panic(fmt.Sprintf("pxe: resolver emitted invalid intent: %v", err))
	}
}

func (r *resolver) anchors() {
	r.add(
		engine.NewIntent(engine.KindAnchor, "ironic::install::begin", engine.StatePresent),
		engine.NewIntent(engine.KindAnchor, "ironic::install::end", engine.StatePresent).
			Require(InstallBegin),
		engine.NewIntent(engine.KindAnchor, "ironic::config::begin", engine.StatePresent).
			Require(InstallEnd),
		engine.NewIntent(engine.KindAnchor, "ironic::config::end", engine.StatePresent).
			Require(ConfigBegin),
		engine.NewIntent(engine.KindAnchor, "ironic-inspector::install::end", engine.StatePresent).
			Require(InstallEnd),
	)
}

func (r *resolver) directories() {
	tftp := r.ownedDirectory(r.cfg.TFTPRoot, r.profile.TFTPLabel).
		Require(ConfigBegin).
		Before(ConfigEnd)

	// pxelinux.cfg is populated by the conductor after install.
	pxelinux := r.ownedDirectory(pxelinuxCfgPath(r.cfg.TFTPRoot), r.profile.TFTPLabel).
		Require(InstallEnd).
		Tag(TagTFTPFile)

	http := r.ownedDirectory(r.cfg.HTTPRoot, r.profile.HTTPLabel).
		Require(ConfigBegin).
		Before(ConfigEnd)

	r.add(tftp, pxelinux, http)
}

func (r *resolver) ownedDirectory(p, label string) *engine.Intent {
	return engine.NewIntent(engine.KindDirectory, p, engine.StatePresent).
		Set(engine.AttrOwner, r.profile.ServiceUser).
		Set(engine.AttrGroup, r.profile.ServiceGroup).
		Set(engine.AttrSELinux, label)
}

// bootImage is a file copied into the TFTP root.
func (r *resolver) bootImage(name, source string) *engine.Intent {
	return engine.NewIntent(engine.KindFile, path.Join(r.cfg.TFTPRoot, name), engine.StatePresent).
		Set(engine.AttrOwner, r.profile.ServiceUser).
		Set(engine.AttrGroup, r.profile.ServiceGroup).
		Set(engine.AttrMode, "0744").
		Set(engine.AttrSELinux, r.profile.TFTPLabel).
		Set(engine.AttrSource, source).
		Set(engine.AttrBackup, "false").
		Tag(TagTFTPFile)
}

func (r *resolver) absentFile(p string) *engine.Intent {
	return engine.NewIntent(engine.KindFile, p, engine.StateAbsent)
}

// pkg declares an installed package inside the install phase. Changing it
// refreshes the install end checkpoint. package_ensure values other than
// present/installed pin a version.
func (r *resolver) pkg(title, name string) *engine.Intent {
	intent := engine.NewIntent(engine.KindPackage, title, engine.StatePresent).
		Named(name).
		Tag(packageTags...)

	switch ensure := r.cfg.PackageEnsure; ensure {
	case "", "present", "installed":
	default:
		intent.Set(engine.AttrVersion, ensure)
	}
	return intent.Require(InstallBegin).Notify(InstallEnd)
}

func (r *resolver) absentPackage(title, name string) *engine.Intent {
	return engine.NewIntent(engine.KindPackage, title, engine.StateAbsent).
		Named(name).
		Tag(packageTags...)
}

func (r *resolver) xinetdBackend() {
	tag := backendTag(XinetdBackend{})
	root := r.cfg.TFTPRoot

	tftpServer := r.pkg("tftp-server", r.profile.TFTPServerPackage).Tag(tag)
	xinetdPkg := r.pkg("xinetd", r.profile.XinetdPackage).Tag(tag)

	xinetd := engine.NewIntent(engine.KindService, "xinetd", engine.StateRunning).
		Named(r.profile.XinetdService).
		Set(engine.AttrEnable, "true").
		Set(engine.AttrHasStatus, "true").
		Require(xinetdPackageID).
		Tag(tag)

	mapFile := engine.NewIntent(engine.KindFile, mapFilePath(root), engine.StatePresent).
		Set(engine.AttrContent, mapFileContent(root)).
		Set(engine.AttrMode, "0644").
		Tag(tag)

	tftp := engine.NewIntent(engine.KindService, xinetdTFTPServiceName, engine.StateRunning).
		Set(engine.AttrSupervisor, "xinetd").
		Set(engine.AttrPort, "69").
		Set(engine.AttrProtocol, "udp").
		Set(engine.AttrServer, r.profile.TFTPServerBinary).
		Set(engine.AttrServerArgs, tftpServerArgs(root)).
		Set(engine.AttrSocketType, "dgram").
		Set(engine.AttrCPS, "100 2").
		Set(engine.AttrPerSource, "11").
		Set(engine.AttrWait, "yes").
		Set(engine.AttrUser, "root").
		Subscribe(InstallEnd).
		Require(xinetdPackageID, mapFile.ID()).
		Notify(xinetdServiceID).
		Tag(tag)
	if r.cfg.HasBindHost() {
		tftp.Set(engine.AttrBind, r.cfg.TFTPBindHost.String())
	}

	r.add(tftpServer, xinetdPkg, xinetd, mapFile, tftp)
}

func (r *resolver) embeddedBackend(b EmbeddedBackend) {
	tag := backendTag(b)

	conf := engine.NewIntent(engine.KindFile, r.profile.EmbeddedConfigPath, engine.StatePresent).
		Set(engine.AttrOwner, "root").
		Set(engine.AttrGroup, "root").
		Set(engine.AttrMode, "0644").
		Set(engine.AttrContent, renderDnsmasqTFTPConfig(r.cfg, b)).
		Require(ConfigBegin).
		Before(ConfigEnd).
		Tag(tag)
	r.add(conf)

	// Debian does not ship a separate dnsmasq TFTP unit.
	if r.profile.EmbeddedPackage != "" {
		r.add(r.pkg(embeddedTitle, r.profile.EmbeddedPackage).Tag(tag))
	}
	if r.profile.EmbeddedService != "" {
		svc := engine.NewIntent(engine.KindService, embeddedTitle, engine.StateRunning).
			Named(r.profile.EmbeddedService).
			Set(engine.AttrEnable, "true").
			Set(engine.AttrHasStatus, "true").
			Subscribe(conf.ID()).
			Require(tftpServiceID, xinetdServiceID).
			Tag(tag)
		if r.profile.EmbeddedPackage != "" {
			svc.Require(embeddedPackageID)
		}
		r.add(svc)
	}
}

// xinetdTeardown removes the xinetd backend. The supervised entry goes
// first, then the supervisor, then the packages.
func (r *resolver) xinetdTeardown() {
	tag := backendTag(XinetdBackend{})

	tftp := engine.NewIntent(engine.KindService, xinetdTFTPServiceName, engine.StateAbsent).
		Set(engine.AttrSupervisor, "xinetd").
		Tag(tag)
	xinetd := engine.NewIntent(engine.KindService, "xinetd", engine.StateStopped).
		Named(r.profile.XinetdService).
		Set(engine.AttrEnable, "false").
		Require(tftpServiceID).
		Tag(tag)
	xinetdPkg := r.absentPackage("xinetd", r.profile.XinetdPackage).
		Require(xinetdServiceID).
		Tag(tag)
	tftpServer := r.absentPackage("tftp-server", r.profile.TFTPServerPackage).
		Require(tftpServiceID).
		Tag(tag)
	mapFile := r.absentFile(mapFilePath(r.cfg.TFTPRoot)).
		Require(tftpServiceID).
		Tag(tag)

	r.add(tftpServer, xinetdPkg, xinetd, mapFile, tftp)
}

// embeddedTeardown removes whatever the embedded backend may have left.
func (r *resolver) embeddedTeardown() {
	tag := backendTag(EmbeddedBackend{})

	var svc *engine.Intent
	if r.profile.EmbeddedService != "" {
		svc = engine.NewIntent(engine.KindService, embeddedTitle, engine.StateStopped).
			Named(r.profile.EmbeddedService).
			Set(engine.AttrEnable, "false").
			Before(tftpServiceID).
			Tag(tag)
		r.add(svc)
	}
	if r.profile.EmbeddedPackage != "" {
		p := r.absentPackage(embeddedTitle, r.profile.EmbeddedPackage).Tag(tag)
		if svc != nil {
			p.Require(svc.ID())
		}
		r.add(p)
	}

	conf := r.absentFile(r.profile.EmbeddedConfigPath).Tag(tag)
	if svc != nil {
		conf.Require(svc.ID())
	}
	r.add(conf)
}

func (r *resolver) ipxeImages() {
	images := []struct{ name, source string }{
		{BIOSChainloadImage, r.profile.IPXEBIOSImage},
		{UEFIChainloadImage, r.profile.IPXEUEFIImage},
	}

	if !r.cfg.IPXEChainloadEnabled {
		for _, img := range images {
			r.add(r.absentFile(path.Join(r.cfg.TFTPRoot, img.name)).Tag(TagIPXEImage))
		}
		if r.profile.IPXEPackage != "" {
			r.add(r.absentPackage("ipxe", r.profile.IPXEPackage).Tag(TagIPXEImage))
		}
		return
	}

	var pkgID string
	if r.profile.IPXEPackage != "" {
		p := r.pkg("ipxe", r.profile.IPXEPackage).Tag(TagIPXEImage)
		r.add(p)
		pkgID = p.ID()
	}
	for _, img := range images {
		file := r.bootImage(img.name, path.Join(r.profile.IPXERomDir, img.source)).
			Require(InspectorInstallEnd).
			Tag(TagIPXEImage)
		if pkgID != "" {
			file.Require(pkgID)
		}
		r.add(file)
	}
}

func (r *resolver) syslinux() {
	files := syslinuxFiles(r.profile)

	if !r.cfg.SyslinuxEnabled() {
		if r.profile.SyslinuxPackage != "" {
			r.add(r.absentPackage("syslinux", r.profile.SyslinuxPackage).Tag(TagSyslinux))
		}
		for _, f := range files {
			r.add(r.absentFile(path.Join(r.cfg.TFTPRoot, f)).Tag(TagSyslinux))
		}
		return
	}

	var pkgID string
	if r.profile.SyslinuxPackage != "" {
		p := r.pkg("syslinux", r.profile.SyslinuxPackage).Tag(TagSyslinux)
		r.add(p)
		pkgID = p.ID()
	}
	for _, f := range files {
		file := r.bootImage(f, path.Join(r.cfg.SyslinuxPath, f)).Tag(TagSyslinux)
		if pkgID != "" {
			file.Require(pkgID)
		}
		r.add(file)
	}
}

// parameters records values consumed by collaborators rather than intents.
func (r *resolver) parameters() {
	r.set.Parameters["tftp_root"] = r.cfg.TFTPRoot
	r.set.Parameters["http_root"] = r.cfg.HTTPRoot
	r.set.Parameters["http_port"] = strconv.Itoa(int(r.cfg.HTTPPort))
	r.set.Parameters["ipxe_timeout"] = strconv.FormatUint(uint64(r.cfg.IPXETimeout), 10)
	r.set.Parameters["backend"] = r.cfg.BackendName()
}

func syslinuxFiles(profile PlatformProfile) []string {
	if len(profile.SyslinuxFiles) == 0 {
		return []string{SyslinuxBootFile}
	}
	return profile.SyslinuxFiles
}

// derivedPaths lists the paths, other than the two roots, that the
// resolver keys File intents by for profile.
func derivedPaths(tftpRoot string, profile PlatformProfile) []string {
	paths := []string{
		pxelinuxCfgPath(tftpRoot),
		mapFilePath(tftpRoot),
		path.Join(tftpRoot, BIOSChainloadImage),
		path.Join(tftpRoot, UEFIChainloadImage),
	}
	for _, name := range syslinuxFiles(profile) {
		paths = append(paths, path.Join(tftpRoot, name))
	}
	if profile.EmbeddedConfigPath != "" {
		paths = append(paths, profile.EmbeddedConfigPath)
	}
	return paths
}
